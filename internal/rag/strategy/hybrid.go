package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"adaptiverag/internal/llm"
	"adaptiverag/internal/persistence/databases"
	"adaptiverag/internal/rag/answercache"
	"adaptiverag/internal/rag/bm25"
	"adaptiverag/internal/rag/embedder"
	"adaptiverag/internal/rag/retrieve"
)

// RetrievedChunk is spec §3's RetrievedChunk: a chunk decorated with every
// component score the hybrid fusion computed, transient within one request.
type RetrievedChunk struct {
	ID         string
	Text       string
	Source     string
	Metadata   map[string]string
	VectorScore float64
	BM25Score   float64
	FusedScore  float64
	Provenance string // "vector", "bm25", "hybrid", "graph-seed", "table", "file-level-fallback"
}

// HybridRetriever implements C4: concurrent BM25+vector candidate
// generation, min-max normalized weighted fusion, and an optional rerank pass.
type HybridRetriever struct {
	Vector databases.VectorStore
	BM25   *bm25.Index
	Emb    embedder.Embedder
	Rerank retrieve.Reranker
	Alpha  float64 // fusion weight toward vector; default 0.7
}

func (h *HybridRetriever) alpha() float64 {
	if h.Alpha > 0 {
		return h.Alpha
	}
	return 0.7
}

// Retrieve runs the C4 pipeline and returns up to topK chunks sorted by
// fused_score (ties broken by chunk id), matching spec §8's stability invariant.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, topK int) ([]RetrievedChunk, map[string]int64, error) {
	timings := map[string]int64{}
	candidateK := topK * 2
	if candidateK > 100 {
		candidateK = 100
	}
	if candidateK < 1 {
		candidateK = 20
	}

	if h.BM25 != nil && h.BM25.Empty() && h.Vector != nil {
		t0 := time.Now()
		_ = h.BM25.RebuildFromVectorStore(ctx, h.Vector)
		addTiming(timings, "bm25_lazy_build_ms", time.Since(t0).Milliseconds())
	}

	var (
		wg       sync.WaitGroup
		vecRes   []databases.VectorResult
		vecErr   error
		bm25Scores map[string]float64
	)

	t0 := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if h.Emb == nil || h.Vector == nil {
			return
		}
		vecs, err := h.Emb.EmbedBatch(ctx, []string{query})
		if err != nil || len(vecs) == 0 {
			vecErr = err
			return
		}
		vecRes, vecErr = h.Vector.SimilaritySearch(ctx, vecs[0], candidateK, nil)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if h.BM25 == nil {
			return
		}
		bm25Scores = h.BM25.Score(bm25.Tokenize(query))
	}()
	wg.Wait()
	embMS := time.Since(t0).Milliseconds()
	addTiming(timings, "embed_ms", embMS)
	addTiming(timings, "vector_ms", embMS)

	if vecErr != nil && len(bm25Scores) == 0 {
		return nil, timings, vecErr
	}

	normBM25 := bm25.NormalizeMinMax(topN(bm25Scores, candidateK))

	t0 = time.Now()
	fused := make(map[string]*RetrievedChunk)
	for _, vr := range vecRes {
		fused[vr.ID] = &RetrievedChunk{ID: vr.ID, VectorScore: clamp01(vr.Score), Metadata: vr.Metadata}
	}
	for id, sc := range normBM25 {
		rc, ok := fused[id]
		if !ok {
			rc = &RetrievedChunk{ID: id}
			fused[id] = rc
		}
		rc.BM25Score = sc
	}
	// Edge case: if one side is empty, fusion uses only the non-empty side
	// (spec §4.C4): the whole weight moves onto that side (alpha 0 or 1).
	alpha := h.alpha()
	if len(vecRes) == 0 {
		alpha = 0
	} else if len(normBM25) == 0 {
		alpha = 1
	}
	for _, rc := range fused {
		rc.FusedScore = alpha*rc.VectorScore + (1-alpha)*rc.BM25Score
		rc.Provenance = "hybrid"
	}
	addTiming(timings, "candidate_prep_ms", time.Since(t0).Milliseconds())

	ordered := make([]*RetrievedChunk, 0, len(fused))
	for _, rc := range fused {
		ordered = append(ordered, rc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].FusedScore != ordered[j].FusedScore {
			return ordered[i].FusedScore > ordered[j].FusedScore
		}
		return ordered[i].ID < ordered[j].ID
	})
	if len(ordered) > topK {
		ordered = ordered[:topK]
	}

	if h.Vector != nil && len(ordered) > 0 {
		ids := make([]string, len(ordered))
		for i, rc := range ordered {
			ids[i] = rc.ID
		}
		if points, err := h.Vector.Retrieve(ctx, ids); err == nil {
			byID := make(map[string]databases.VectorPoint, len(points))
			for _, p := range points {
				byID[p.ID] = p
			}
			for _, rc := range ordered {
				if p, ok := byID[rc.ID]; ok {
					rc.Text = p.Text
					if rc.Metadata == nil {
						rc.Metadata = p.Metadata
					}
					rc.Source = p.Metadata["source"]
					if rc.Source == "" {
						rc.Source = p.Metadata["title"]
					}
				}
			}
		}
	}

	out := make([]RetrievedChunk, len(ordered))
	for i, rc := range ordered {
		out[i] = *rc
	}

	if h.Rerank != nil {
		t0 = time.Now()
		items := make([]retrieve.RetrievedItem, len(out))
		for i, rc := range out {
			items[i] = retrieve.RetrievedItem{ID: rc.ID, Score: rc.FusedScore, Text: rc.Text, Metadata: rc.Metadata}
		}
		reranked, err := h.Rerank.Rerank(ctx, query, items)
		addTiming(timings, "rerank_ms", time.Since(t0).Milliseconds())
		if err == nil {
			byID := make(map[string]RetrievedChunk, len(out))
			for _, rc := range out {
				byID[rc.ID] = rc
			}
			newOut := make([]RetrievedChunk, 0, len(reranked))
			for _, it := range reranked {
				rc := byID[it.ID]
				rc.FusedScore = it.Score
				newOut = append(newOut, rc)
			}
			out = newOut
		}
	}

	return out, timings, nil
}

func topN(scores map[string]float64, n int) map[string]float64 {
	if len(scores) <= n {
		return scores
	}
	ids := bm25.SortedDocIDs(scores)
	out := make(map[string]float64, n)
	for _, id := range ids[:n] {
		out[id] = scores[id]
	}
	return out
}

// HybridStrategy implements C7 on top of the C4 retriever.
type HybridStrategy struct {
	Retriever *HybridRetriever
	LLM       llm.Provider
	Model     string
}

func (s *HybridStrategy) Name() string { return "hybrid" }

// Run implements spec §4.C7's pipeline: retrieve, build a grounded-answer
// prompt enforcing [1]..[n] citations, call the LLM, compute confidence.
func (s *HybridStrategy) Run(ctx context.Context, query string, knobs Knobs) (Result, error) {
	timings := map[string]int64{}
	start := time.Now()

	topK := knobs.topK()
	if topK > 30 {
		topK = 30
	}
	chunks, retrievalTimings, err := s.Retriever.Retrieve(ctx, query, topK)
	for k, v := range retrievalTimings {
		timings[k] = v
	}
	if err != nil {
		return Result{}, err
	}

	if len(chunks) == 0 {
		addTiming(timings, "end_to_end_ms", time.Since(start).Milliseconds())
		return Result{
			Answer:             "I don't have relevant information to answer this question.",
			Confidence:         0,
			NumChunksRetrieved: 0,
			Timings:            timings,
		}, nil
	}

	prompt, citations := buildGroundedPrompt(query, chunks, knobs.contentCharLimit())

	t0 := time.Now()
	res, err := s.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Answer using only the numbered sources given. Cite sources inline as [1], [2], etc."},
		{Role: "user", Content: prompt},
	}, nil, s.Model)
	addTiming(timings, "llm_ms", time.Since(t0).Milliseconds())
	if err != nil {
		return Result{}, err
	}

	maxScore := 0.0
	for _, c := range chunks {
		if c.FusedScore > maxScore {
			maxScore = c.FusedScore
		}
	}

	addTiming(timings, "end_to_end_ms", time.Since(start).Milliseconds())
	return Result{
		Answer:             res.Message.Content,
		Citations:          citations,
		Confidence:         clamp01(maxScore),
		NumChunksRetrieved: len(chunks),
		PromptTokens:       res.Usage.PromptTokens,
		CompletionTokens:   res.Usage.CompletionTokens,
		TotalTokens:        res.Usage.TotalTokens,
		Timings:            timings,
	}, nil
}

// buildGroundedPrompt renders up to contentCharLimit characters per chunk,
// numbered [1..n], and returns the parallel citation list in the same order
// spec §4.C7 requires so the model's [k] references line up.
func buildGroundedPrompt(query string, chunks []RetrievedChunk, contentCharLimit int) (string, []answercache.Citation) {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nSources:\n")

	citations := make([]answercache.Citation, 0, len(chunks))
	for i, c := range chunks {
		text := c.Text
		if contentCharLimit > 0 && len(text) > contentCharLimit {
			text = text[:contentCharLimit]
		}
		source := c.Source
		if source == "" {
			source = c.ID
		}
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, source, text)
		citations = append(citations, answercache.Citation{
			Source: source, Content: text, Score: c.FusedScore, Metadata: c.Metadata,
		})
	}
	return b.String(), citations
}
