package tfidf

import "testing"

func TestQuery_ExactMatchScoresHighest(t *testing.T) {
	ix := NewIndex(0)
	ix.Upsert("a", "what is the capital of France")
	ix.Upsert("b", "how do I bake sourdough bread")

	matches := ix.Query("what is the capital of France")
	if len(matches) == 0 || matches[0].ID != "a" {
		t.Fatalf("expected exact match to rank first, got %+v", matches)
	}
	if matches[0].Score < 0.99 {
		t.Fatalf("expected near-1.0 cosine for identical text, got %v", matches[0].Score)
	}
}

func TestQuery_UnrelatedTextScoresLow(t *testing.T) {
	ix := NewIndex(0)
	ix.Upsert("a", "what is the capital of France")
	ix.Upsert("b", "how do I bake sourdough bread")

	matches := ix.Query("how do I bake sourdough bread")
	top := matches[0]
	if top.ID != "b" {
		t.Fatalf("expected b to rank first, got %+v", matches)
	}
	var bScore, aScore float64
	for _, m := range matches {
		if m.ID == "b" {
			bScore = m.Score
		}
		if m.ID == "a" {
			aScore = m.Score
		}
	}
	if bScore <= aScore {
		t.Fatalf("expected b's score (%v) > a's score (%v)", bScore, aScore)
	}
}

func TestRemove_DropsDocumentFromResults(t *testing.T) {
	ix := NewIndex(0)
	ix.Upsert("a", "what is the capital of France")
	ix.Upsert("b", "how do I bake sourdough bread")
	ix.Remove("a")

	matches := ix.Query("what is the capital of France")
	for _, m := range matches {
		if m.ID == "a" {
			t.Fatalf("expected a to be removed, still present: %+v", matches)
		}
	}
}

func TestMaxFeatures_CapsVocabulary(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert("a", "alpha bravo charlie delta echo foxtrot")
	if len(ix.vocab) > 2 {
		t.Fatalf("expected vocab capped at 2, got %d", len(ix.vocab))
	}
}

func TestEmptyIndex_QueryReturnsNil(t *testing.T) {
	ix := NewIndex(0)
	if got := ix.Query("anything"); got != nil {
		t.Fatalf("expected nil on empty index, got %+v", got)
	}
}
