package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"adaptiverag/internal/config"
	"adaptiverag/internal/rag/retrieve"
)

func TestCrossEncoderRerankerOrdersByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := rerankResponse{Results: []rerankResult{
			{Index: 0, RelevanceScore: 0.1},
			{Index: 1, RelevanceScore: 0.9},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	rr := NewCrossEncoderReranker(config.RerankerConfig{BaseURL: srv.URL, PrimaryModel: "reranker-v2"}, srv.Client())
	out, err := rr.Rerank(context.Background(), "q", []retrieve.RetrievedItem{
		{ID: "a", Text: "low relevance"},
		{ID: "b", Text: "high relevance"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "b" {
		t.Fatalf("expected b first, got %+v", out)
	}
}

func TestCrossEncoderRerankerFallsBackOnPrimaryError(t *testing.T) {
	// The primary model fails (e.g. unloaded on the server); the fallback
	// model, served from the same cross-encoder endpoint, succeeds.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "primary" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := rerankResponse{Results: []rerankResult{{Index: 0, RelevanceScore: 0.5}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	rr := NewCrossEncoderReranker(config.RerankerConfig{BaseURL: srv.URL, PrimaryModel: "primary", FallbackModel: "fallback"}, srv.Client())
	out, err := rr.Rerank(context.Background(), "q", []retrieve.RetrievedItem{{ID: "a", Text: "x"}})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 item, got %+v", out)
	}
}

func TestCrossEncoderRerankerNoopWithoutBaseURL(t *testing.T) {
	rr := NewCrossEncoderReranker(config.RerankerConfig{}, nil)
	items := []retrieve.RetrievedItem{{ID: "a"}}
	out, err := rr.Rerank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected passthrough, got %+v", out)
	}
}
