package databases

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
)

func newTestBadgerGraph(t *testing.T) *BadgerGraph {
	t.Helper()
	g, err := NewBadgerGraph(filepath.Join(t.TempDir(), "graph"))
	if err != nil {
		t.Fatalf("new badger graph: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestBadgerGraph_UpsertAndGetNode(t *testing.T) {
	g := newTestBadgerGraph(t)
	ctx := context.Background()

	if err := g.UpsertNode(ctx, "alice", []string{"person"}, map[string]any{"age": float64(30)}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	node, ok := g.GetNode(ctx, "alice")
	if !ok {
		t.Fatalf("expected node to be found")
	}
	if node.ID != "alice" || len(node.Labels) != 1 || node.Labels[0] != "person" {
		t.Fatalf("unexpected node: %+v", node)
	}
	if node.Props["age"] != float64(30) {
		t.Fatalf("unexpected props: %+v", node.Props)
	}
}

func TestBadgerGraph_GetNode_MissingReturnsFalse(t *testing.T) {
	g := newTestBadgerGraph(t)
	if _, ok := g.GetNode(context.Background(), "nobody"); ok {
		t.Fatalf("expected missing node lookup to return false")
	}
}

func TestBadgerGraph_NeighborsFiltersByRelation(t *testing.T) {
	g := newTestBadgerGraph(t)
	ctx := context.Background()

	if err := g.UpsertEdge(ctx, "alice", "works_for", "acme", nil); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}
	if err := g.UpsertEdge(ctx, "alice", "works_for", "globex", nil); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}
	if err := g.UpsertEdge(ctx, "alice", "owns", "house", nil); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	neighbors, err := g.Neighbors(ctx, "alice", "works_for")
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	sort.Strings(neighbors)
	if len(neighbors) != 2 || neighbors[0] != "acme" || neighbors[1] != "globex" {
		t.Fatalf("unexpected neighbors: %v", neighbors)
	}

	none, err := g.Neighbors(ctx, "alice", "friends_with")
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no neighbors for an unused relation, got %v", none)
	}
}
