package databases

import (
	"context"
	"math"
	"sort"
	"sync"

	"adaptiverag/internal/ragerr"
)

// memoryVector is an in-process VectorStore used by tests and by any
// component running without a configured ANN backend. It implements the
// same ensure_collection/upsert/search/scroll/retrieve contract as the
// Qdrant and Postgres backends (C2), so strategy code is backend-agnostic.
type memoryVector struct {
	mu      sync.RWMutex
	size    int
	vectors map[string]vec
	order   []string
}

type vec struct {
	v        []float32
	text     string
	metadata map[string]string
}

// NewMemoryVector constructs an empty in-process vector store.
func NewMemoryVector() VectorStore { return &memoryVector{vectors: make(map[string]vec)} }

func (m *memoryVector) EnsureCollection(_ context.Context, size int) error {
	if size <= 0 {
		return ragerr.New(ragerr.InputValidation, "vector size must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.size != 0 && m.size != size {
		return ragerr.New(ragerr.InputValidation, "collection exists with a different vector size")
	}
	m.size = size
	return nil
}

func (m *memoryVector) Upsert(_ context.Context, id string, vector []float32, text string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	md := copyMap(metadata)
	if _, exists := m.vectors[id]; !exists {
		m.order = append(m.order, id)
	}
	m.vectors[id] = vec{v: cp, text: text, metadata: md}
	return nil
}

func (m *memoryVector) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.vectors[id]; exists {
		delete(m.vectors, id)
		for i, existing := range m.order {
			if existing == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *memoryVector) SimilaritySearch(_ context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}
	qnorm := norm(vector)
	scores := make([]VectorResult, 0, len(m.vectors))
	for id, v := range m.vectors {
		if !matchesFilter(v.metadata, filter) {
			continue
		}
		s := cosine(vector, v.v, qnorm)
		scores = append(scores, VectorResult{ID: id, Score: s, Metadata: copyMap(v.metadata)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score == scores[j].Score {
			return scores[i].ID < scores[j].ID
		}
		return scores[i].Score > scores[j].Score
	})
	if len(scores) > k {
		scores = scores[:k]
	}
	return scores, nil
}

func (m *memoryVector) Scroll(_ context.Context, batch int, fn func([]VectorPoint) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if batch <= 0 {
		batch = 256
	}
	page := make([]VectorPoint, 0, batch)
	for _, id := range m.order {
		v := m.vectors[id]
		page = append(page, VectorPoint{ID: id, Vector: v.v, Text: v.text, Metadata: copyMap(v.metadata)})
		if len(page) == batch {
			if !fn(page) {
				return nil
			}
			page = make([]VectorPoint, 0, batch)
		}
	}
	if len(page) > 0 {
		fn(page)
	}
	return nil
}

func (m *memoryVector) Retrieve(_ context.Context, ids []string) ([]VectorPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VectorPoint, 0, len(ids))
	for _, id := range ids {
		if v, ok := m.vectors[id]; ok {
			out = append(out, VectorPoint{ID: id, Vector: v.v, Text: v.text, Metadata: copyMap(v.metadata)})
		}
	}
	return out, nil
}

func matchesFilter(md map[string]string, f map[string]string) bool {
	if len(f) == 0 {
		return true
	}
	for k, v := range f {
		if md[k] != v {
			return false
		}
	}
	return true
}

func norm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = norm(a)
	}
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	return dot(a, b) / (anorm * bnorm)
}
