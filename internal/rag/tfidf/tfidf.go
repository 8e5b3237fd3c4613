// Package tfidf implements a small uni+bi-gram TF-IDF vectorizer with an
// English stopword list and a capped vocabulary, shared by the classification
// cache's semantic tier (C5) and the answer cache's L2 tier (C11) so both
// rebuild the same way on every insert/delete.
package tfidf

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "to": true, "of": true,
	"and": true, "or": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "by": true, "from": true, "as": true, "that": true, "this": true,
	"it": true, "its": true, "but": true, "not": true, "do": true, "does": true,
	"did": true, "i": true, "you": true, "he": true, "she": true, "we": true,
	"they": true, "what": true, "which": true, "who": true, "whom": true,
}

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// Tokenize lowercases and splits on non-alphanumerics, dropping stopwords.
func Tokenize(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

// ngrams builds uni+bi-grams from tokens.
func ngrams(tokens []string) []string {
	out := make([]string, 0, len(tokens)*2)
	out = append(out, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+"_"+tokens[i+1])
	}
	return out
}

// Index is a rebuild-on-write uni+bi-gram TF-IDF index over a small corpus
// of short query strings, capped to MaxFeatures by document frequency.
type Index struct {
	MaxFeatures int // 0 means default cap of 100, per spec §4.C11's L2 layer

	docs  map[string]string // id -> raw text
	order []string          // insertion order, for deterministic vocabulary selection

	vocab   []string
	vocabIx map[string]int
	idf     []float64
	vectors map[string][]float64 // id -> TF-IDF vector, unit-normalized
}

// NewIndex constructs an empty index.
func NewIndex(maxFeatures int) *Index {
	if maxFeatures <= 0 {
		maxFeatures = 100
	}
	return &Index{
		MaxFeatures: maxFeatures,
		docs:        make(map[string]string),
		vectors:     make(map[string][]float64),
	}
}

// Upsert adds or replaces a document and rebuilds the index, matching
// spec §4.C11's "index rebuilds on every insert/delete" rule.
func (ix *Index) Upsert(id, text string) {
	ix.docs[id] = text
	found := false
	for _, existing := range ix.order {
		if existing == id {
			found = true
			break
		}
	}
	if !found {
		ix.order = append(ix.order, id)
	}
	ix.rebuild()
}

// Remove deletes a document and rebuilds.
func (ix *Index) Remove(id string) {
	delete(ix.docs, id)
	for i, existing := range ix.order {
		if existing == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
	ix.rebuild()
}

func (ix *Index) rebuild() {
	ix.vectors = make(map[string][]float64, len(ix.docs))
	if len(ix.docs) == 0 {
		ix.vocab = nil
		ix.vocabIx = nil
		ix.idf = nil
		return
	}

	df := make(map[string]int)
	docGrams := make(map[string][]string, len(ix.docs))
	for _, id := range ix.order {
		grams := ngrams(Tokenize(ix.docs[id]))
		docGrams[id] = grams
		seen := make(map[string]bool, len(grams))
		for _, g := range grams {
			if !seen[g] {
				seen[g] = true
				df[g]++
			}
		}
	}

	type feat struct {
		term string
		df   int
	}
	feats := make([]feat, 0, len(df))
	for t, c := range df {
		feats = append(feats, feat{t, c})
	}
	sort.Slice(feats, func(i, j int) bool {
		if feats[i].df != feats[j].df {
			return feats[i].df > feats[j].df
		}
		return feats[i].term < feats[j].term
	})
	if len(feats) > ix.MaxFeatures {
		feats = feats[:ix.MaxFeatures]
	}

	ix.vocab = make([]string, len(feats))
	ix.vocabIx = make(map[string]int, len(feats))
	ix.idf = make([]float64, len(feats))
	n := float64(len(ix.docs))
	for i, f := range feats {
		ix.vocab[i] = f.term
		ix.vocabIx[f.term] = i
		ix.idf[i] = math.Log((n+1)/(float64(f.df)+1)) + 1
	}

	for _, id := range ix.order {
		ix.vectors[id] = ix.vectorize(docGrams[id])
	}
}

func (ix *Index) vectorize(grams []string) []float64 {
	tf := make([]float64, len(ix.vocab))
	for _, g := range grams {
		if i, ok := ix.vocabIx[g]; ok {
			tf[i]++
		}
	}
	vec := make([]float64, len(tf))
	var norm float64
	for i, v := range tf {
		vec[i] = v * ix.idf[i]
		norm += vec[i] * vec[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Match is one scored result from Query.
type Match struct {
	ID    string
	Score float64
}

// Query returns documents sorted by cosine similarity to text, descending.
func (ix *Index) Query(text string) []Match {
	if len(ix.vocab) == 0 {
		return nil
	}
	q := ix.vectorize(ngrams(Tokenize(text)))
	out := make([]Match, 0, len(ix.vectors))
	for id, v := range ix.vectors {
		out = append(out, Match{ID: id, Score: cosine(q, v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cosine(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
