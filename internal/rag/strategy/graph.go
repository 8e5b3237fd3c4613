package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/rag/answercache"
)

// controlled vocabulary of relation types the entity-graph extraction is
// restricted to, per spec §4.C9.
var relationVocabulary = map[string]bool{
	"causes": true, "part_of": true, "related_to": true, "located_in": true,
	"owns": true, "works_for": true, "precedes": true, "depends_on": true,
}

// graphEdge is one directed, typed relation between two canonical entity
// names. Evidence is the set of chunk ids that support it.
type graphEdge struct {
	Src, Dst, Rel string
	Confidence    float64
	Evidence      map[string]bool
}

func edgeKey(src, dst, rel string) string { return src + "\x00" + dst + "\x00" + rel }

// entityGraph is Graph-RAG's own lightweight structure: it needs per-edge
// confidence and evidence-chunk-ids that databases.GraphDB's Neighbors
// interface doesn't expose, so it isn't built on top of that interface.
type entityGraph struct {
	mu       sync.Mutex
	entities map[string]bool
	edges    map[string]*graphEdge
	chunksOf map[string][]RetrievedChunk // entity -> supporting chunks seen
	built    map[string]bool             // chunk ids already processed into the graph
	memo     map[string][]string         // sorted-entity-tuple key -> subgraph entity list, for repeat queries
}

func newEntityGraph() *entityGraph {
	return &entityGraph{
		entities: map[string]bool{}, edges: map[string]*graphEdge{},
		chunksOf: map[string][]RetrievedChunk{}, built: map[string]bool{}, memo: map[string][]string{},
	}
}

// mergeEdge applies spec §4.C9's merge invariant: same (src,dst,rel) merges
// evidence as a union and confidence as the max of the two observations.
func (g *entityGraph) mergeEdge(src, dst, rel string, confidence float64, chunkID string) {
	rel = strings.ToLower(strings.TrimSpace(rel))
	if !relationVocabulary[rel] {
		rel = "related_to"
	}
	g.entities[src] = true
	g.entities[dst] = true
	key := edgeKey(src, dst, rel)
	e, ok := g.edges[key]
	if !ok {
		e = &graphEdge{Src: src, Dst: dst, Rel: rel, Evidence: map[string]bool{}}
		g.edges[key] = e
	}
	if confidence > e.Confidence {
		e.Confidence = confidence
	}
	if chunkID != "" {
		e.Evidence[chunkID] = true
	}
}

// neighbors returns all edges touching entity in either direction.
func (g *entityGraph) neighbors(entity string) []*graphEdge {
	var out []*graphEdge
	for _, e := range g.edges {
		if e.Src == entity || e.Dst == entity {
			out = append(out, e)
		}
	}
	return out
}

// bfsSubgraph expands from seeds up to maxHops, per spec §4.C9.
func (g *entityGraph) bfsSubgraph(seeds []string, maxHops int) (entities []string, edges []*graphEdge) {
	visited := map[string]bool{}
	frontier := append([]string{}, seeds...)
	for _, s := range seeds {
		visited[s] = true
	}
	edgeSeen := map[string]bool{}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, ent := range frontier {
			for _, e := range g.neighbors(ent) {
				k := edgeKey(e.Src, e.Dst, e.Rel)
				if !edgeSeen[k] {
					edgeSeen[k] = true
					edges = append(edges, e)
				}
				other := e.Dst
				if e.Src != ent {
					other = e.Src
				}
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	entities = make([]string, 0, len(visited))
	for e := range visited {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	return entities, edges
}

var entityExtractRe = regexp.MustCompile(`[A-Z][a-zA-Z0-9&.'-]+(?:\s+[A-Z][a-zA-Z0-9&.'-]+)*`)

func canonicalize(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// GraphStrategy implements C9: query-entity extraction, JIT subgraph
// construction from retrieval, BFS expansion, and subgraph-grounded answers.
type GraphStrategy struct {
	Retriever *HybridRetriever
	LLM       llm.Provider
	Model     string
	Cfg       config.GraphConfig

	mu     sync.Mutex
	graphs map[string]*entityGraph // keyed by "" — a single shared graph per strategy instance
}

func (s *GraphStrategy) Name() string { return "graph" }

func (s *GraphStrategy) graph() *entityGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graphs == nil {
		s.graphs = map[string]*entityGraph{}
	}
	g, ok := s.graphs[""]
	if !ok {
		g = newEntityGraph()
		s.graphs[""] = g
	}
	return g
}

func (s *GraphStrategy) maxJITChunks() int {
	if s.Cfg.MaxJITChunks > 0 {
		return s.Cfg.MaxJITChunks
	}
	return 50
}

func (s *GraphStrategy) batchSize() int {
	if s.Cfg.BatchSize > 0 {
		return s.Cfg.BatchSize
	}
	return 4
}

func (s *GraphStrategy) batchTimeout() time.Duration {
	if s.Cfg.BatchTimeout > 0 {
		return s.Cfg.BatchTimeout
	}
	return 30 * time.Second
}

func (s *GraphStrategy) maxHops() int {
	if s.Cfg.MaxHops > 0 {
		return s.Cfg.MaxHops
	}
	return 2
}

type entityList struct {
	Entities []string `json:"entities"`
}

// extractQueryEntities asks the LLM for up to 5 canonicalized entities,
// falling back to a capitalized-phrase regex when the LLM is unavailable or
// returns nothing usable.
func (s *GraphStrategy) extractQueryEntities(ctx context.Context, query string) []string {
	if s.LLM != nil {
		prompt := `Extract up to 5 key named entities from this question. Respond with JSON {"entities": ["..."]}.` + "\nQuestion: " + query
		res, err := s.LLM.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, s.Model)
		if err == nil {
			var el entityList
			if json.Unmarshal([]byte(extractJSONObject(res.Message.Content)), &el) == nil && len(el.Entities) > 0 {
				out := make([]string, 0, len(el.Entities))
				for _, e := range el.Entities {
					if c := canonicalize(e); c != "" {
						out = append(out, c)
					}
					if len(out) == 5 {
						break
					}
				}
				if len(out) > 0 {
					return out
				}
			}
		}
	}
	matches := entityExtractRe.FindAllString(query, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		c := canonicalize(m)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if len(out) == 5 {
			break
		}
	}
	return out
}

type extractedRelation struct {
	Src        string  `json:"src"`
	Dst        string  `json:"dst"`
	Rel        string  `json:"relation"`
	Confidence float64 `json:"confidence"`
}

type relationBatch struct {
	Relations []extractedRelation `json:"relations"`
}

// buildJIT retrieves up to maxJITChunks chunks relevant to the missing
// entities, extracts relations in parallel batches, and merges them into the
// graph using the same-edge merge invariant.
func (s *GraphStrategy) buildJIT(ctx context.Context, query string, missing []string) {
	g := s.graph()
	chunks, _, err := s.Retriever.Retrieve(ctx, query, s.maxJITChunks())
	if err != nil || len(chunks) == 0 {
		return
	}

	batchSize := s.batchSize()
	var batches [][]RetrievedChunk
	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[i:end])
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, cancel := context.WithTimeout(ctx, s.batchTimeout())
			defer cancel()
			s.extractBatch(bctx, batch, g)
		}()
	}
	wg.Wait()

	for _, m := range missing {
		g.mu.Lock()
		g.entities[m] = true
		g.mu.Unlock()
	}
}

// extractBatch runs one LLM call over a batch of chunks. If that call fails
// (including on the per-batch timeout expiring), it retries each chunk in
// the batch individually rather than losing the whole batch to one slow or
// oversized member — spec §8's "Graph single-chunk retry" LLM_TIMEOUT
// recovery.
func (s *GraphStrategy) extractBatch(ctx context.Context, batch []RetrievedChunk, g *entityGraph) {
	if s.LLM == nil {
		return
	}
	rb, err := s.extractRelations(ctx, batch)
	if err != nil {
		if len(batch) > 1 {
			for _, c := range batch {
				s.extractBatch(ctx, []RetrievedChunk{c}, g)
			}
		}
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	chunkID := ""
	if len(batch) > 0 {
		chunkID = batch[0].ID
	}
	for _, r := range rb.Relations {
		src, dst := canonicalize(r.Src), canonicalize(r.Dst)
		if src == "" || dst == "" {
			continue
		}
		g.mergeEdge(src, dst, r.Rel, clamp01(r.Confidence), chunkID)
	}
	for _, c := range batch {
		g.built[c.ID] = true
	}
}

// extractRelations issues the single LLM call extractBatch wraps, isolated
// so it can be retried per-chunk without duplicating the prompt-building.
func (s *GraphStrategy) extractRelations(ctx context.Context, batch []RetrievedChunk) (relationBatch, error) {
	var b strings.Builder
	b.WriteString("Extract entity relations from these numbered text chunks. Use only these relation types: ")
	first := true
	for rel := range relationVocabulary {
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(rel)
		first = false
	}
	b.WriteString(`. Respond with JSON {"relations": [{"src": "...", "dst": "...", "relation": "...", "confidence": 0.0-1.0}]}.` + "\n\n")
	for i, c := range batch {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, c.Text)
	}

	res, err := s.LLM.Chat(ctx, []llm.Message{{Role: "user", Content: b.String()}}, nil, s.Model)
	if err != nil {
		return relationBatch{}, err
	}
	var rb relationBatch
	if err := json.Unmarshal([]byte(extractJSONObject(res.Message.Content)), &rb); err != nil {
		return relationBatch{}, err
	}
	return rb, nil
}

// Run implements C9's pipeline: extract query entities, split existing vs.
// missing, JIT-build the missing ones, BFS the subgraph, and generate an
// answer from the subgraph plus chunk excerpts.
func (s *GraphStrategy) Run(ctx context.Context, query string, knobs Knobs) (Result, error) {
	start := time.Now()
	timings := map[string]int64{}

	queryEntities := s.extractQueryEntities(ctx, query)
	g := s.graph()

	var existing, missing []string
	g.mu.Lock()
	for _, e := range queryEntities {
		if g.entities[e] {
			existing = append(existing, e)
		} else {
			missing = append(missing, e)
		}
	}
	g.mu.Unlock()

	if len(missing) > 0 {
		t0 := time.Now()
		s.buildJIT(ctx, query, missing)
		addTiming(timings, "jit_build_ms", time.Since(t0).Milliseconds())
	}

	seeds := queryEntities
	if len(seeds) == 0 {
		seeds = existing
	}

	subEntities, subEdges := g.bfsSubgraph(seeds, s.maxHops())

	// Seed fallback: if the subgraph came back empty, report the isolated
	// query entities themselves rather than an empty result.
	if len(subEntities) == 0 && len(seeds) > 0 {
		subEntities = append([]string{}, seeds...)
	}

	chunks, _, err := s.Retriever.Retrieve(ctx, query, knobs.topK())
	if err != nil {
		chunks = nil
	}

	if len(subEntities) == 0 && len(chunks) == 0 {
		addTiming(timings, "end_to_end_ms", time.Since(start).Milliseconds())
		return Result{
			Answer:     "I don't have relevant information to answer this question.",
			Confidence: 0,
			Timings:    timings,
			Extra:      map[string]any{"graph_context": map[string]any{"entities": subEntities, "edges": 0}},
		}, nil
	}

	prompt, citations := buildGraphPrompt(query, subEntities, subEdges, chunks, knobs.contentCharLimit())

	t0 := time.Now()
	res, err := s.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Answer using the entity relations and numbered sources given. Cite sources inline as [1], [2], etc."},
		{Role: "user", Content: prompt},
	}, nil, s.Model)
	addTiming(timings, "llm_ms", time.Since(t0).Milliseconds())
	if err != nil {
		return Result{}, err
	}

	confidence := 0.0
	for _, e := range subEdges {
		if e.Confidence > confidence {
			confidence = e.Confidence
		}
	}
	if confidence == 0 && len(chunks) > 0 {
		confidence = chunks[0].FusedScore
	}

	addTiming(timings, "end_to_end_ms", time.Since(start).Milliseconds())
	return Result{
		Answer:             res.Message.Content,
		Citations:          citations,
		Confidence:         clamp01(confidence),
		NumChunksRetrieved: len(chunks),
		TotalTokens:        res.Usage.TotalTokens,
		Timings:            timings,
		Extra:              map[string]any{"graph_context": map[string]any{"entities": subEntities, "edges": len(subEdges)}},
	}, nil
}

func buildGraphPrompt(query string, entities []string, edges []*graphEdge, chunks []RetrievedChunk, contentCharLimit int) (string, []answercache.Citation) {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)

	if len(edges) > 0 {
		b.WriteString("\n\nKnown entity relations:\n")
		for _, e := range edges {
			fmt.Fprintf(&b, "- %s %s %s (confidence %.2f)\n", e.Src, e.Rel, e.Dst, e.Confidence)
		}
	} else if len(entities) > 0 {
		b.WriteString("\n\nEntities of interest: ")
		b.WriteString(strings.Join(entities, ", "))
	}

	var citations []answercache.Citation
	if len(chunks) > 0 {
		b.WriteString("\n\nSources:\n")
		gp, c := buildGroundedPrompt("", chunks, contentCharLimit)
		b.WriteString(strings.TrimPrefix(gp, "Question: \n\nSources:\n"))
		citations = c
	}
	return b.String(), citations
}
