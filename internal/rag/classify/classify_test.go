package classify

import (
	"testing"

	"adaptiverag/internal/config"
)

func TestClassify_DeterministicCues(t *testing.T) {
	cases := []struct {
		query string
		want  QueryType
	}{
		{"What year was the book published?", FactualDetail},
		{"Show me the relationship between Elizabeth and Darcy", RelationshipQuery},
		{"Can you give me a table of the monthly meter readings?", StructuredData},
		{"Please compare and analyze the implications of these two approaches", ComplexAnalysis},
	}
	for _, tc := range cases {
		rec := Classify(tc.query)
		if rec.QueryType != tc.want {
			t.Errorf("query %q: got %s want %s", tc.query, rec.QueryType, tc.want)
		}
		if rec.Confidence < 0 || rec.Confidence > 1 {
			t.Errorf("confidence out of range: %v", rec.Confidence)
		}
	}
}

func TestNormalize_IdempotentAndPermutationInvariant(t *testing.T) {
	a := normalize("  who   WROTE daddy take me skating ? ")
	b := normalize("Who wrote Daddy Take Me Skating?")
	if a != b {
		t.Fatalf("expected permutation-invariant normalization: %q vs %q", a, b)
	}
	if normalize(a) != a {
		t.Fatalf("expected idempotent normalization")
	}
}

func TestCache_ExactHitAfterPut(t *testing.T) {
	c := NewCache(config.CacheConfig{})
	rec := Classify("Who wrote this book?")
	c.Put(rec)

	got, ok := c.Lookup("Who wrote this book?")
	if !ok {
		t.Fatalf("expected exact-hash hit")
	}
	if got.Source != SourceExact {
		t.Fatalf("expected exact source, got %s", got.Source)
	}
}

func TestCache_PermutedQueryHitsL1(t *testing.T) {
	c := NewCache(config.CacheConfig{})
	c.Put(Classify("Who wrote Daddy Take Me Skating?"))

	got, ok := c.Lookup("  who   WROTE daddy take me skating ? ")
	if !ok || got.Source != SourceExact {
		t.Fatalf("expected permuted query to hit L1, got ok=%v source=%s", ok, got.Source)
	}
}

func TestClassifier_DeterministicOnlyWhenProviderNil(t *testing.T) {
	cl := NewClassifier(config.CacheConfig{}, nil, "")
	rec := cl.Classify(nil, "What is the capital of France?")
	if rec.QueryType != FactualDetail {
		t.Fatalf("expected factual_detail default, got %s", rec.QueryType)
	}
}
