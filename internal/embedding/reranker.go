package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"adaptiverag/internal/config"
	"adaptiverag/internal/observability"
	"adaptiverag/internal/rag/retrieve"
)

// rerankRequest mirrors the llama.cpp / TEI cross-encoder rerank endpoint payload.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// CrossEncoderReranker implements retrieve.Reranker against a cross-encoder
// HTTP endpoint (e.g. a llama.cpp server loaded with a reranker GGUF). It
// tries PrimaryModel first and falls back to FallbackModel when the primary
// call errors or exceeds LatencyThresholdMS, so a slow/unavailable primary
// degrades retrieval quality instead of failing the whole ask().
type CrossEncoderReranker struct {
	cfg    config.RerankerConfig
	client *http.Client
}

func NewCrossEncoderReranker(cfg config.RerankerConfig, client *http.Client) *CrossEncoderReranker {
	if client == nil {
		client = http.DefaultClient
	}
	return &CrossEncoderReranker{cfg: cfg, client: client}
}

var _ retrieve.Reranker = (*CrossEncoderReranker)(nil)

func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, items []retrieve.RetrievedItem) ([]retrieve.RetrievedItem, error) {
	if len(items) == 0 || r.cfg.BaseURL == "" {
		return items, nil
	}
	log := observability.LoggerWithTrace(ctx)

	docs := make([]string, len(items))
	for i, it := range items {
		docs[i] = it.Text
	}

	budget := time.Duration(r.cfg.LatencyThresholdMS) * time.Millisecond
	if budget <= 0 {
		budget = 1500 * time.Millisecond
	}

	model := r.cfg.PrimaryModel
	results, err := r.call(ctx, model, query, docs, budget)
	if err != nil && r.cfg.FallbackModel != "" {
		log.Warn().Err(err).Str("primary_model", model).Str("fallback_model", r.cfg.FallbackModel).Msg("rerank_primary_failed")
		model = r.cfg.FallbackModel
		results, err = r.call(ctx, model, query, docs, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	scores := make(map[int]float64, len(results))
	for _, res := range results {
		scores[res.Index] = res.RelevanceScore
	}
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	out := make([]retrieve.RetrievedItem, len(items))
	for i, idx := range order {
		out[i] = items[idx]
	}
	log.Debug().Str("model", model).Int("documents", len(docs)).Msg("rerank_ok")
	return out, nil
}

// call sends one rerank request, applying budget as a request timeout when positive.
func (r *CrossEncoderReranker) call(ctx context.Context, model, query string, docs []string, budget time.Duration) ([]rerankResult, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	body, err := json.Marshal(rerankRequest{Model: model, Query: query, TopN: len(docs), Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank returned status %d: %s", resp.StatusCode, string(b))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return parsed.Results, nil
}
