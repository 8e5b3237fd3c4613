// Package strategy implements the four retrieval strategies the bandit (C6)
// chooses among: Hybrid (C7), Iterative Self-RAG (C8), Graph-RAG (C9), and
// Table-RAG (C10), plus the Hybrid Retriever (C4) they share.
package strategy

import (
	"context"

	"adaptiverag/internal/rag/answercache"
)

// Knobs carries the per-request overrides ask() accepts (spec §6's
// top_k/reranker/vector_limit/content_char_limit knobs).
type Knobs struct {
	TopK             int
	VectorLimit      int
	ContentCharLimit int
	RerankerMode     string
	Metadata         map[string]any
}

func (k Knobs) topK() int {
	if k.TopK > 0 {
		return k.TopK
	}
	return 8
}

func (k Knobs) contentCharLimit() int {
	if k.ContentCharLimit > 0 {
		return k.ContentCharLimit
	}
	return 4000
}

// Result is the outcome of running one strategy, the common shape C14
// normalizes into the public ask() response.
type Result struct {
	Answer             string
	Citations          []answercache.Citation
	Confidence         float64
	NumChunksRetrieved int
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	Timings            map[string]int64 // stage -> ms
	Extra              map[string]any   // strategy-specific diagnostics (iteration_details, graph_context, tool_usage, ...)
}

// Strategy is implemented by each of the four arms.
type Strategy interface {
	Name() string
	Run(ctx context.Context, query string, knobs Knobs) (Result, error)
}

func addTiming(timings map[string]int64, stage string, ms int64) {
	if timings == nil {
		return
	}
	timings[stage] += ms
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
