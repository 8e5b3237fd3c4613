// Package answercache implements the multi-layer answer cache (C11): one
// logical store with three lookup paths (exact hash, TF-IDF, dense
// embedding), per spec §9's "model as one store with three lookup paths"
// design note.
package answercache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"adaptiverag/internal/config"
	"adaptiverag/internal/observability"
	"adaptiverag/internal/rag/embedder"
	"adaptiverag/internal/rag/tfidf"
)

// Citation mirrors the ask() response shape spec §6 names.
type Citation struct {
	Source   string            `json:"source"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Entry is spec §3's AnswerCacheEntry.
type Entry struct {
	OriginalQuery string     `json:"original_query"`
	Answer        string     `json:"rendered_answer"`
	Citations     []Citation `json:"citations"`
	CreatedAt     time.Time  `json:"created_at"`
	HitCount      int        `json:"hit_count"`

	vector []float32 // unit-normalized, for the L3 dense layer
}

// Layer names which tier served a Lookup hit.
type Layer int

const (
	LayerNone Layer = iota
	LayerExact
	LayerTFIDF
	LayerDense
)

// Hit is a successful Lookup result.
type Hit struct {
	Entry      Entry
	Layer      Layer
	Similarity float64
}

// Cache is the three-layer answer cache.
type Cache struct {
	mu sync.Mutex

	cfg config.CacheConfig
	emb embedder.Embedder

	l1      *ristretto.Cache[string, *Entry]
	rdb     *redis.Client
	docs    map[string]*Entry
	order   []string
	tfidfIx *tfidf.Index
}

// New constructs an answer cache. emb may be nil to disable the dense (L3)
// layer. If cfg.RedisAddr is set, a shared L1 tier is also written through
// to, so multiple processes observe each other's exact-hash hits.
func New(cfg config.CacheConfig, emb embedder.Embedder) (*Cache, error) {
	l1, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:     cfg,
		emb:     emb,
		l1:      l1,
		docs:    make(map[string]*Entry),
		tfidfIx: tfidf.NewIndex(100),
	}
	if cfg.RedisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return c, nil
}

func (c *Cache) ttl() time.Duration {
	if c.cfg.TTL > 0 {
		return c.cfg.TTL
	}
	return 72 * time.Hour
}

func (c *Cache) tfidfThreshold() float64 {
	if c.cfg.TFIDFThreshold > 0 {
		return c.cfg.TFIDFThreshold
	}
	return 0.30
}

func (c *Cache) denseThreshold() float64 {
	if c.cfg.DenseThreshold > 0 {
		return c.cfg.DenseThreshold
	}
	return 0.88
}

func (c *Cache) maxCacheSize() int {
	if c.cfg.MaxEntries > 0 {
		return c.cfg.MaxEntries
	}
	return 1000
}

func normalizeKey(query string) string {
	lower := strings.ToLower(query)
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	sort.Strings(fields)
	sum := md5.Sum([]byte(strings.Join(fields, " ")))
	return hex.EncodeToString(sum[:])
}

// Lookup consults L1, then L2, then L3 in order, returning the first hit.
func (c *Cache) Lookup(ctx context.Context, query string) (Hit, bool) {
	key := normalizeKey(query)

	c.mu.Lock()
	if e, ok := c.docs[key]; ok {
		if c.expired(e) {
			c.evictLocked(key)
		} else {
			e.HitCount++
			c.mu.Unlock()
			return Hit{Entry: *e, Layer: LayerExact, Similarity: 1.0}, true
		}
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, "answercache:"+key).Result(); err == nil {
			var e Entry
			if json.Unmarshal([]byte(raw), &e) == nil {
				return Hit{Entry: e, Layer: LayerExact, Similarity: 1.0}, true
			}
		}
	}

	c.mu.Lock()
	matches := c.tfidfIx.Query(query)
	for _, m := range matches {
		if m.Score < c.tfidfThreshold() {
			break
		}
		e, ok := c.docs[m.ID]
		if !ok || c.expired(e) {
			continue
		}
		e.HitCount++
		hit := Hit{Entry: *e, Layer: LayerTFIDF, Similarity: m.Score}
		c.mu.Unlock()
		return hit, true
	}
	c.mu.Unlock()

	if c.emb != nil {
		vecs, err := c.emb.EmbedBatch(ctx, []string{query})
		if err == nil && len(vecs) == 1 {
			qv := normalizeVec(vecs[0])
			c.mu.Lock()
			bestKey, bestScore := "", -1.0
			for k, e := range c.docs {
				if c.expired(e) || len(e.vector) == 0 {
					continue
				}
				s := dot(qv, e.vector)
				if s > bestScore {
					bestScore, bestKey = s, k
				}
			}
			if bestScore >= c.denseThreshold() {
				e := c.docs[bestKey]
				e.HitCount++
				hit := Hit{Entry: *e, Layer: LayerDense, Similarity: bestScore}
				c.mu.Unlock()
				return hit, true
			}
			c.mu.Unlock()
		}
	}

	return Hit{}, false
}

func (c *Cache) expired(e *Entry) bool {
	return time.Since(e.CreatedAt) > c.ttl()
}

// QualityGate is spec §4.C11's write guard: >=1 citation and >=1 retrieved
// chunk. Low-quality answers are intentionally left uncached.
func QualityGate(citations []Citation, numChunksRetrieved int) bool {
	return len(citations) >= 1 && numChunksRetrieved >= 1
}

// Put inserts or overwrites an entry across all three layers, evicting the
// oldest entry if this insertion pushes the semantic layer over capacity.
func (c *Cache) Put(ctx context.Context, query, answer string, citations []Citation) {
	key := normalizeKey(query)
	e := &Entry{OriginalQuery: query, Answer: answer, Citations: citations, CreatedAt: time.Now()}
	if c.emb != nil {
		if vecs, err := c.emb.EmbedBatch(ctx, []string{query}); err == nil && len(vecs) == 1 {
			e.vector = normalizeVec(vecs[0])
		}
	}

	c.mu.Lock()
	if _, exists := c.docs[key]; !exists {
		c.order = append(c.order, key)
	}
	c.docs[key] = e
	c.tfidfIx.Upsert(key, query)
	c.l1.SetWithTTL(key, e, 1, c.ttl())

	for len(c.order) > c.maxCacheSize() {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.docs, oldest)
		c.tfidfIx.Remove(oldest)
		c.l1.Del(oldest)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if b, err := json.Marshal(e); err == nil {
			if err := c.rdb.Set(ctx, "answercache:"+key, b, c.ttl()).Err(); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("answercache_redis_write_failed")
			}
		}
	}
}

// Invalidate removes query's entry from all three layers, per spec §4.C11's
// invalidate() contract, invoked by negative feedback.
func (c *Cache) Invalidate(ctx context.Context, query string) {
	key := normalizeKey(query)
	c.mu.Lock()
	c.evictLocked(key)
	c.mu.Unlock()
	if c.rdb != nil {
		c.rdb.Del(ctx, "answercache:"+key)
	}
}

func (c *Cache) evictLocked(key string) {
	if _, ok := c.docs[key]; !ok {
		return
	}
	delete(c.docs, key)
	c.tfidfIx.Remove(key)
	c.l1.Del(key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func normalizeVec(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	n := float32(1.0 / math.Sqrt(norm))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * n
	}
	return out
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
