package strategy

import (
	"context"
	"errors"
	"testing"
)

func TestMergeEdge_SameTripleMergesMaxConfidenceAndUnionEvidence(t *testing.T) {
	g := newEntityGraph()
	g.mergeEdge("Alice", "Acme", "works_for", 0.4, "chunk-1")
	g.mergeEdge("Alice", "Acme", "works_for", 0.9, "chunk-2")

	e := g.edges[edgeKey("Alice", "Acme", "works_for")]
	if e == nil {
		t.Fatalf("expected merged edge to exist")
	}
	if e.Confidence != 0.9 {
		t.Fatalf("expected max confidence 0.9, got %v", e.Confidence)
	}
	if !e.Evidence["chunk-1"] || !e.Evidence["chunk-2"] {
		t.Fatalf("expected evidence union of both chunks, got %+v", e.Evidence)
	}
}

func TestMergeEdge_UnknownRelationFallsBackToRelatedTo(t *testing.T) {
	g := newEntityGraph()
	g.mergeEdge("A", "B", "frobnicates", 0.5, "c1")
	if _, ok := g.edges[edgeKey("A", "B", "related_to")]; !ok {
		t.Fatalf("expected out-of-vocabulary relation to fall back to related_to")
	}
}

func TestBFSSubgraph_RespectsMaxHops(t *testing.T) {
	g := newEntityGraph()
	g.mergeEdge("A", "B", "related_to", 0.5, "")
	g.mergeEdge("B", "C", "related_to", 0.5, "")
	g.mergeEdge("C", "D", "related_to", 0.5, "")

	entities, edges := g.bfsSubgraph([]string{"A"}, 1)
	if !containsStr(entities, "B") || containsStr(entities, "C") {
		t.Fatalf("expected exactly one hop from A, got %v", entities)
	}
	if len(edges) != 1 {
		t.Fatalf("expected exactly one edge within one hop, got %d", len(edges))
	}

	entities2, _ := g.bfsSubgraph([]string{"A"}, 3)
	if !containsStr(entities2, "D") {
		t.Fatalf("expected D reachable within 3 hops, got %v", entities2)
	}
}

func TestCanonicalize_CollapsesWhitespace(t *testing.T) {
	if got := canonicalize("  Elizabeth   Bennet  "); got != "Elizabeth Bennet" {
		t.Fatalf("unexpected canonicalization: %q", got)
	}
}

func TestExtractQueryEntities_FallsBackToRegexWithoutLLM(t *testing.T) {
	s := &GraphStrategy{}
	got := s.extractQueryEntities(context.Background(), "What did Elizabeth Bennet say to Mr. Darcy?")
	if !containsStr(got, "Elizabeth Bennet") {
		t.Fatalf("expected regex fallback to find capitalized entity, got %v", got)
	}
}

func TestExtractQueryEntities_UsesLLMWhenAvailable(t *testing.T) {
	s := &GraphStrategy{LLM: &fakeLLM{responses: []string{`{"entities": ["Elizabeth Bennet", "Mr. Darcy"]}`}}, Model: "m"}
	got := s.extractQueryEntities(context.Background(), "irrelevant prompt text")
	if len(got) != 2 || got[0] != "Elizabeth Bennet" || got[1] != "Mr. Darcy" {
		t.Fatalf("unexpected entities: %v", got)
	}
}

func TestExtractRelations_ParsesControlledVocabulary(t *testing.T) {
	s := &GraphStrategy{LLM: &fakeLLM{responses: []string{
		`{"relations": [{"src": "Alice", "dst": "Acme", "relation": "works_for", "confidence": 0.8}]}`,
	}}, Model: "m"}
	rb, err := s.extractRelations(context.Background(), []RetrievedChunk{{ID: "c1", Text: "Alice works for Acme."}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rb.Relations) != 1 || rb.Relations[0].Rel != "works_for" {
		t.Fatalf("unexpected relations: %+v", rb.Relations)
	}
}

func TestExtractBatch_RetriesPerChunkOnBatchFailure(t *testing.T) {
	// The 2-chunk batch call fails outright (simulating the per-batch
	// timeout expiring), forcing a per-chunk retry; the two retries succeed.
	llmClient := &fakeLLM{
		responses: []string{
			"",
			`{"relations": [{"src": "A", "dst": "B", "relation": "related_to", "confidence": 0.5}]}`,
			`{"relations": []}`,
		},
		errs: []error{errors.New("deadline exceeded"), nil, nil},
	}
	s := &GraphStrategy{LLM: llmClient, Model: "m"}
	g := newEntityGraph()
	batch := []RetrievedChunk{{ID: "c1", Text: "A relates to B."}, {ID: "c2", Text: "nothing interesting"}}

	s.extractBatch(context.Background(), batch, g)

	if llmClient.calls != 3 {
		t.Fatalf("expected one batch call plus two single-chunk retries, got %d calls", llmClient.calls)
	}
	if _, ok := g.edges[edgeKey("A", "B", "related_to")]; !ok {
		t.Fatalf("expected the edge recovered by the single-chunk retry to be merged in")
	}
}

func containsStr(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
