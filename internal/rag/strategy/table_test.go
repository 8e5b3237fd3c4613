package strategy

import (
	"context"
	"strings"
	"testing"
)

func TestExtractIntent_UsesLLMJSONWhenAvailable(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"query_type": "aggregation", "entities_to_extract": ["meter 12"], "attributes": ["usage"]}`,
	}}
	got := extractIntent(context.Background(), llmClient, "m", "how much power did meter 12 use?")
	if got.QueryType != tableAggregation {
		t.Fatalf("expected aggregation from LLM, got %s", got.QueryType)
	}
	if len(got.Attributes) != 1 || got.Attributes[0] != "usage" {
		t.Fatalf("unexpected attributes: %v", got.Attributes)
	}
}

func TestExtractIntent_KeywordFallbackWithoutLLM(t *testing.T) {
	cases := []struct {
		query string
		want  tableQueryType
	}{
		{"what is the total usage this month?", tableAggregation},
		{"compare meter 1 versus meter 2", tableComparison},
		{"list all readings for March", tableList},
		{"what is meter 12's account number?", tableLookup},
	}
	for _, tc := range cases {
		got := extractIntent(context.Background(), nil, "", tc.query)
		if got.QueryType != tc.want {
			t.Errorf("query %q: got %s want %s", tc.query, got.QueryType, tc.want)
		}
	}
}

func TestStructure_ReturnsZeroValueWithoutLLM(t *testing.T) {
	s := &TableStrategy{}
	got := s.structure(context.Background(), "q", nil, "")
	if len(got.Headers) != 0 || len(got.Rows) != 0 {
		t.Fatalf("expected zero-value table without an LLM, got %+v", got)
	}
}

func TestStructure_ParsesLLMTable(t *testing.T) {
	s := &TableStrategy{LLM: &fakeLLM{responses: []string{
		`{"headers": ["Meter", "Usage"], "rows": [["12", "400 kWh"]], "summary": "one meter"}`,
	}}, Model: "m"}
	got := s.structure(context.Background(), "q", []RetrievedChunk{{ID: "c1", Text: "meter 12 used 400 kWh"}}, "")
	if len(got.Headers) != 2 || got.Summary != "one meter" {
		t.Fatalf("unexpected structured table: %+v", got)
	}
}

func TestBuildTablePrompt_RendersStructuredTableAndToolOutput(t *testing.T) {
	table := structuredTable{Headers: []string{"Meter", "Usage"}, Rows: [][]string{{"12", "400"}}, Summary: "ok"}
	prompt, citations := buildTablePrompt("q", tableIntent{QueryType: tableAggregation}, table, nil, "raw tool output", 4000)
	if !strings.Contains(prompt, "| Meter | Usage |") {
		t.Fatalf("expected rendered table header in prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "raw tool output") {
		t.Fatalf("expected tool output embedded in prompt: %q", prompt)
	}
	if len(citations) != 0 {
		t.Fatalf("expected no citations with no chunks, got %v", citations)
	}
}
