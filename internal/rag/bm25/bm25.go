// Package bm25 implements the keyword half of the hybrid retriever (C3): an
// Okapi BM25 index built by scrolling the vector store for chunk text,
// persisted to disk, and rebuilt on demand.
package bm25

import (
	"context"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"adaptiverag/internal/persistence/databases"
)

const (
	defaultK1 = 1.2
	defaultB  = 0.75
)

var tokenRe = regexp.MustCompile(`\S+`)

// Tokenize lowercases and whitespace-splits, the deterministic tokenizer
// named in spec §4.C3 ("room for pluggable tokenization" left for later).
func Tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

// onDisk is the opaque persisted shape named in spec §6
// (bm25_<collection>.pkl equivalent): {bm25_index, doc_corpus, doc_ids, id_to_corpus_idx}.
type onDisk struct {
	DocIDs       []string         `msgpack:"doc_ids"`
	DocCorpus    [][]string       `msgpack:"doc_corpus"`
	IDToCorpus   map[string]int   `msgpack:"id_to_corpus_idx"`
	AvgDocLen    float64          `msgpack:"avg_doc_len"`
	DocFreq      map[string]int   `msgpack:"doc_freq"`
}

// Index is a thread-safe BM25 index. Readers share a lock; rebuilds are
// exclusive, matching spec §5's shared-resource policy for C3.
type Index struct {
	path string

	mu         sync.RWMutex
	docIDs     []string
	docCorpus  [][]string
	idToCorpus map[string]int
	df         map[string]int
	avgDocLen  float64
}

// NewIndex constructs an empty index persisted at path (empty disables persistence).
func NewIndex(path string) *Index {
	return &Index{path: path, idToCorpus: make(map[string]int), df: make(map[string]int)}
}

// Load attempts to read a previously persisted index; returns false (not an
// error) on any mismatch or missing file, per spec §6's "rebuilt on format
// mismatch" rule.
func (ix *Index) Load() bool {
	if ix.path == "" {
		return false
	}
	b, err := os.ReadFile(ix.path)
	if err != nil {
		return false
	}
	var d onDisk
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return false
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docIDs = d.DocIDs
	ix.docCorpus = d.DocCorpus
	ix.idToCorpus = d.IDToCorpus
	ix.df = d.DocFreq
	ix.avgDocLen = d.AvgDocLen
	return len(ix.docIDs) > 0
}

func (ix *Index) persist() error {
	if ix.path == "" {
		return nil
	}
	ix.mu.RLock()
	d := onDisk{
		DocIDs:     ix.docIDs,
		DocCorpus:  ix.docCorpus,
		IDToCorpus: ix.idToCorpus,
		DocFreq:    ix.df,
		AvgDocLen:  ix.avgDocLen,
	}
	ix.mu.RUnlock()
	b, err := msgpack.Marshal(d)
	if err != nil {
		return err
	}
	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ix.path)
}

// RebuildFromVectorStore scrolls the entire vector collection, tokenizes each
// chunk's text, and replaces the index contents, matching spec §4.C3 exactly
// ("built by scrolling the vector index, extracting each chunk's text").
// Rebuilds are serialized under the write lock for the whole scroll so
// concurrent readers see either the old or the new index, never a partial one.
func (ix *Index) RebuildFromVectorStore(ctx context.Context, vec databases.VectorStore) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	docIDs := make([]string, 0, 1024)
	docCorpus := make([][]string, 0, 1024)
	idToCorpus := make(map[string]int, 1024)
	df := make(map[string]int)
	var totalLen int

	err := vec.Scroll(ctx, 256, func(points []databases.VectorPoint) bool {
		for _, p := range points {
			if _, ok := idToCorpus[p.ID]; ok {
				continue
			}
			toks := Tokenize(p.Text)
			idx := len(docIDs)
			docIDs = append(docIDs, p.ID)
			docCorpus = append(docCorpus, toks)
			idToCorpus[p.ID] = idx
			totalLen += len(toks)
			seen := make(map[string]bool, len(toks))
			for _, t := range toks {
				if !seen[t] {
					seen[t] = true
					df[t]++
				}
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	ix.docIDs = docIDs
	ix.docCorpus = docCorpus
	ix.idToCorpus = idToCorpus
	ix.df = df
	if len(docCorpus) > 0 {
		ix.avgDocLen = float64(totalLen) / float64(len(docCorpus))
	} else {
		ix.avgDocLen = 0
	}

	go func() {
		_ = ix.persist()
	}()
	return nil
}

// Score computes the BM25 scores of queryTokens against every indexed
// document, aligned with doc ids as spec §4.C3 requires.
func (ix *Index) Score(queryTokens []string) map[string]float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docCorpus)
	out := make(map[string]float64, n)
	if n == 0 {
		return out
	}

	for i, doc := range ix.docCorpus {
		termFreq := make(map[string]int, len(doc))
		for _, t := range doc {
			termFreq[t]++
		}
		var score float64
		dl := float64(len(doc))
		for _, qt := range queryTokens {
			tf, ok := termFreq[qt]
			if !ok {
				continue
			}
			dfq := ix.df[qt]
			if dfq == 0 {
				continue
			}
			idf := math.Log(1 + (float64(n)-float64(dfq)+0.5)/(float64(dfq)+0.5))
			denom := float64(tf) + defaultK1*(1-defaultB+defaultB*dl/maxf(ix.avgDocLen, 1))
			score += idf * (float64(tf) * (defaultK1 + 1)) / maxf(denom, 1e-9)
		}
		if score > 0 {
			out[ix.docIDs[i]] = score
		}
	}
	return out
}

// Empty reports whether the index currently has no documents.
func (ix *Index) Empty() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docCorpus) == 0
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// NormalizeMinMax rescales scores to [0,1] by min-max, the normalization
// spec §4.C4 requires before fusing BM25 with vector scores. An all-equal
// score set maps to 1.0 for every entry (avoids a divide-by-zero collapse
// to 0, which would wipe out a tied BM25 signal during fusion).
func NormalizeMinMax(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range scores {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	for k, v := range scores {
		if span <= 0 {
			out[k] = 1.0
		} else {
			out[k] = (v - min) / span
		}
	}
	return out
}

// SortedDocIDs returns the keys of scores sorted by score descending, ties
// broken by doc id ascending, matching the stable-sort invariant spec §8
// requires of the hybrid retriever's fused output.
func SortedDocIDs(scores map[string]float64) []string {
	out := make([]string, 0, len(scores))
	for id := range scores {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
