// Package classify implements the query classifier (C5): a deterministic
// cue-regex classifier with an LLM-assisted fallback, backed by a two-tier
// (exact + semantic) memoization cache.
package classify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/rag/tfidf"
)

// QueryType is one of the five classification buckets spec §3 names.
type QueryType string

const (
	FactualDetail    QueryType = "factual_detail"
	ComplexAnalysis  QueryType = "complex_analysis"
	RelationshipQuery QueryType = "relationship_query"
	StructuredData   QueryType = "structured_data"
	General          QueryType = "general"
)

// Source names where a classification came from, per spec §3's ClassificationRecord.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceExact    Source = "exact_cache"
	SourceSemantic Source = "semantic_cache"
	SourceKeyword  Source = "keyword"
)

// Record is the spec §3 ClassificationRecord.
type Record struct {
	Query      string    `json:"query"`
	QueryType  QueryType `json:"query_type"`
	Confidence float64   `json:"confidence"`
	Source     Source    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	LastUsed   time.Time `json:"last_used"`
	UseCount   int       `json:"uses"`

	// StrongGraphCue/StrongTableCue feed the bandit's escalation safety net
	// (spec §4.C6 step 4) without re-running the cue regexes downstream.
	StrongGraphCue bool `json:"-"`
	StrongTableCue bool `json:"-"`
}

var (
	structuredCuesEN    = regexp.MustCompile(`(?i)\b(table|list|spreadsheet|rows?|columns?|csv|aggregate|breakdown|meter|kwh)\b`)
	structuredCuesCN    = regexp.MustCompile(`表格|列表|清单|汇总|统计`)
	relationshipCuesEN  = regexp.MustCompile(`(?i)\b(relationship|connection|related to|between|link(ed)?|interact(s|ion)?|associat(e|ed|ion))\b`)
	relationshipCuesCN  = regexp.MustCompile(`关系|联系|关联|互动`)
	complexCuesEN       = regexp.MustCompile(`(?i)\b(compare|comparison|analyze|analysis|why|how does|explain|evaluate|summarize|implications?)\b`)
	complexCuesCN       = regexp.MustCompile(`比较|分析|为什么|如何|解释|评估|总结`)
)

const complexWordCountThreshold = 25

// Classify applies the deterministic regex path from spec §4.C5(a). This is
// the path the LLM-assisted path and the caches all fall back to.
func Classify(query string) Record {
	now := time.Time{}
	strongGraph := relationshipCuesEN.MatchString(query) || relationshipCuesCN.MatchString(query)
	strongTable := structuredCuesEN.MatchString(query) || structuredCuesCN.MatchString(query)

	var qt QueryType
	var confidence float64
	switch {
	case strongTable:
		qt, confidence = StructuredData, 0.85
	case strongGraph:
		qt, confidence = RelationshipQuery, 0.85
	case complexCuesEN.MatchString(query) || complexCuesCN.MatchString(query):
		qt, confidence = ComplexAnalysis, 0.75
	case wordCount(query) >= complexWordCountThreshold:
		qt, confidence = ComplexAnalysis, 0.65
	default:
		qt, confidence = FactualDetail, 0.6
	}

	return Record{
		Query:          query,
		QueryType:      qt,
		Confidence:     confidence,
		Source:         SourceKeyword,
		Timestamp:      now,
		StrongGraphCue: strongGraph,
		StrongTableCue: strongTable,
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// normalize implements spec §8's idempotent, permutation-invariant query
// normalization: lowercase, strip punctuation, sort tokens.
func normalize(query string) string {
	lower := strings.ToLower(query)
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' || r > 127 {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

func l1Key(query string) string {
	sum := md5.Sum([]byte(normalize(query)))
	return hex.EncodeToString(sum[:])
}

// reflectIntent is the small JSON shape the LLM-assisted path parses.
type reflectIntent struct {
	QueryType  string  `json:"query_type"`
	Confidence float64 `json:"confidence"`
}

// Cache is the two-tier classification cache (C5): an exact-hash tier and a
// TF-IDF semantic tier, matching spec §4.C5's cache description and the
// persisted classification_cache.json shape from spec §6.
type Cache struct {
	mu sync.RWMutex

	cfg  config.CacheConfig
	path string

	byKey map[string]*Record // L1, keyed by normalized-query md5
	order []string           // insertion order for LRU eviction
	sem   *tfidf.Index       // L2, indexed by the same key as byKey
}

type persistedCache struct {
	Cache map[string]Record `json:"cache"`
}

// NewCache constructs a classification cache, loading any persisted state at
// cfg.ClassificationCachePath.
func NewCache(cfg config.CacheConfig) *Cache {
	c := &Cache{
		cfg:   cfg,
		path:  cfg.ClassificationCachePath,
		byKey: make(map[string]*Record),
		sem:   tfidf.NewIndex(100),
	}
	c.load()
	return c
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var pc persistedCache
	if err := json.Unmarshal(b, &pc); err != nil {
		return
	}
	for k, r := range pc.Cache {
		rc := r
		c.byKey[k] = &rc
		c.order = append(c.order, k)
		c.sem.Upsert(k, rc.Query)
	}
}

func (c *Cache) persist() {
	if c.path == "" {
		return
	}
	out := make(map[string]Record, len(c.byKey))
	for k, r := range c.byKey {
		out[k] = *r
	}
	b, err := json.Marshal(persistedCache{Cache: out})
	if err != nil {
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, c.path)
}

func (c *Cache) ttl() time.Duration {
	if c.cfg.TTL > 0 {
		return c.cfg.TTL
	}
	return 72 * time.Hour
}

func (c *Cache) semanticThreshold() float64 {
	if c.cfg.ClassSemanticThreshold > 0 {
		return c.cfg.ClassSemanticThreshold
	}
	return 0.75
}

func (c *Cache) usableConfidence() float64 {
	if c.cfg.ClassUsableConfidence > 0 {
		return c.cfg.ClassUsableConfidence
	}
	return 0.70
}

func (c *Cache) maxEntries() int {
	if c.cfg.MaxEntries > 0 {
		return c.cfg.MaxEntries
	}
	return 1000
}

// Lookup tries the exact tier, then the semantic tier, returning ok=false if
// neither yields a usable (confidence >= threshold) record.
func (c *Cache) Lookup(query string) (Record, bool) {
	key := l1Key(query)
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.byKey[key]; ok {
		if c.expiredLocked(r) {
			c.evictLocked(key)
		} else {
			r.LastUsed = time.Now()
			r.UseCount++
			out := *r
			out.Source = SourceExact
			return out, true
		}
	}

	matches := c.sem.Query(query)
	for _, m := range matches {
		if m.Score < c.semanticThreshold() {
			break
		}
		r, ok := c.byKey[m.ID]
		if !ok {
			continue
		}
		if c.expiredLocked(r) {
			c.evictLocked(m.ID)
			continue
		}
		if r.Confidence < c.usableConfidence() {
			continue
		}
		r.LastUsed = time.Now()
		r.UseCount++
		out := *r
		out.Source = SourceSemantic
		return out, true
	}
	return Record{}, false
}

func (c *Cache) expiredLocked(r *Record) bool {
	return time.Since(r.Timestamp) > c.ttl()
}

func (c *Cache) evictLocked(key string) {
	delete(c.byKey, key)
	c.sem.Remove(key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Put stores rec under its normalized-query key, evicting the oldest entry
// by insertion order (LRU) if the cache is over capacity.
func (c *Cache) Put(rec Record) {
	key := l1Key(rec.Query)
	rec.Timestamp = time.Now()
	rec.LastUsed = rec.Timestamp

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byKey[key]; !exists {
		c.order = append(c.order, key)
	}
	rc := rec
	c.byKey[key] = &rc
	c.sem.Upsert(key, rec.Query)

	for len(c.order) > c.maxEntries() {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byKey, oldest)
		c.sem.Remove(oldest)
	}
	go c.persist()
}

// Classifier wraps the deterministic path, the cache, and an optional LLM
// assist, implementing the priority order spec §4.C5 describes.
type Classifier struct {
	cache    *Cache
	provider llm.Provider
	model    string
}

// NewClassifier constructs a Classifier. provider may be nil to disable the
// LLM-assisted path entirely (deterministic-only mode).
func NewClassifier(cfg config.CacheConfig, provider llm.Provider, model string) *Classifier {
	return &Classifier{cache: NewCache(cfg), provider: provider, model: model}
}

// Classify runs the cache lookup, then the LLM-assisted path if available
// and the cache missed, then the deterministic path, memoizing the result.
func (c *Classifier) Classify(ctx context.Context, query string) Record {
	if rec, ok := c.cache.Lookup(query); ok {
		return rec
	}

	det := Classify(query)
	rec := det

	if c.provider != nil {
		if llmRec, ok := c.classifyLLM(ctx, query, det); ok {
			rec = llmRec
		}
	}

	c.cache.Put(rec)
	return rec
}

func (c *Classifier) classifyLLM(ctx context.Context, query string, det Record) (Record, bool) {
	prompt := "Classify the following question into exactly one of: factual_detail, complex_analysis, relationship_query, structured_data, general. " +
		`Respond with JSON {"query_type": "...", "confidence": 0.0-1.0}. Question: ` + query
	res, err := c.provider.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, c.model)
	if err != nil {
		return Record{}, false
	}
	var parsed reflectIntent
	if err := json.Unmarshal([]byte(extractJSON(res.Message.Content)), &parsed); err != nil {
		return Record{}, false
	}
	qt := QueryType(parsed.QueryType)
	switch qt {
	case FactualDetail, ComplexAnalysis, RelationshipQuery, StructuredData, General:
	default:
		return Record{}, false
	}
	conf := parsed.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return Record{
		Query:          query,
		QueryType:      qt,
		Confidence:     conf,
		Source:         SourceLLM,
		StrongGraphCue: det.StrongGraphCue,
		StrongTableCue: det.StrongTableCue,
	}, true
}

// extractJSON trims any leading/trailing prose a chat model wraps a JSON
// object in, by slicing from the first '{' to the last '}'.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "{}"
	}
	return s[start : end+1]
}
