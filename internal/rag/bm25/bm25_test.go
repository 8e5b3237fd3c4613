package bm25

import (
	"context"
	"testing"

	"adaptiverag/internal/persistence/databases"
)

func TestRebuildAndScore_RanksMatchingDocHigher(t *testing.T) {
	vec := databases.NewMemoryVector()
	ctx := context.Background()
	_ = vec.Upsert(ctx, "doc1", []float32{1, 0}, "the quick brown fox jumps", nil)
	_ = vec.Upsert(ctx, "doc2", []float32{0, 1}, "a totally unrelated sentence", nil)

	ix := NewIndex("")
	if err := ix.RebuildFromVectorStore(ctx, vec); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	scores := ix.Score(Tokenize("quick fox"))
	if scores["doc1"] <= scores["doc2"] {
		t.Fatalf("expected doc1 to score higher: %+v", scores)
	}
}

func TestPersistAndLoad_RoundTrips(t *testing.T) {
	vec := databases.NewMemoryVector()
	ctx := context.Background()
	_ = vec.Upsert(ctx, "doc1", []float32{1, 0}, "hello world", nil)

	path := t.TempDir() + "/bm25.msgpack"
	ix := NewIndex(path)
	if err := ix.RebuildFromVectorStore(ctx, vec); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := ix.persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	ix2 := NewIndex(path)
	if !ix2.Load() {
		t.Fatalf("expected load to succeed")
	}
	if ix2.Empty() {
		t.Fatalf("expected loaded index to be non-empty")
	}
}

func TestNormalizeMinMax_EqualScoresMapToOne(t *testing.T) {
	got := NormalizeMinMax(map[string]float64{"a": 5, "b": 5})
	if got["a"] != 1.0 || got["b"] != 1.0 {
		t.Fatalf("expected all-equal scores to normalize to 1.0, got %+v", got)
	}
}

func TestSortedDocIDs_TieBreaksByID(t *testing.T) {
	got := SortedDocIDs(map[string]float64{"b": 1, "a": 1, "c": 2})
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
