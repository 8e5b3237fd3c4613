package databases

import (
	"context"
)

// SearchResult represents a single hit from the full-text search backend.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Text     string
	Metadata map[string]string
}

// FullTextSearch defines the minimum interface for a pluggable FTS backend.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	GetByID(ctx context.Context, id string) (SearchResult, bool, error)
}

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorPoint is a single record scrolled back from the vector index, used
// by the BM25 index builder and by bootstrap seeding.
type VectorPoint struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store
// (component C2, Vector Index Client).
type VectorStore interface {
	// EnsureCollection is idempotent for a stable vector size; it returns a
	// typed error (see internal/ragerr) rather than recreating the
	// collection when an existing one has a mismatched size.
	EnsureCollection(ctx context.Context, size int) error
	Upsert(ctx context.Context, id string, vector []float32, text string, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	// Scroll walks the full collection in pages of batch size, invoking fn
	// for each page. Iteration stops early if fn returns false.
	Scroll(ctx context.Context, batch int, fn func([]VectorPoint) bool) error
	Retrieve(ctx context.Context, ids []string) ([]VectorPoint, error)
}

// Node is a minimal in-memory representation of a graph node.
type Node struct {
	ID     string
	Labels []string
	Props  map[string]any
}

// GraphDB defines a portable interface for minimal graph operations.
type GraphDB interface {
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error
	Neighbors(ctx context.Context, id string, rel string) ([]string, error)
	GetNode(ctx context.Context, id string) (Node, bool)
}

// Manager holds concrete database backends resolved from configuration. It
// is the single typed handle constructed at process start that the rest of
// the core depends on instead of reaching for ambient globals.
type Manager struct {
	Search FullTextSearch
	Vector VectorStore
	Graph  GraphDB
}

// Close attempts to close any underlying pools. It's a no-op for memory backends.
func (m Manager) Close() {
	if c, ok := any(m.Search).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Graph).(interface{ Close() }); ok {
		c.Close()
	}
}
