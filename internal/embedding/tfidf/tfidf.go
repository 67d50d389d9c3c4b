package tfidf

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"himcore/internal/embedding"
	"himcore/internal/tokenize"
)

// ErrStaleBatch is returned when a batch commits over a vocabulary that
// changed after the batch began.
var ErrStaleBatch = errors.New("tfidf: vocabulary changed since batch began")

// Vectorizer is an incremental TF-IDF embedder. Its vocabulary is append-only:
// a term keeps its dimension forever and new terms take trailing dimensions.
// Document frequencies are counted per observed chunk, so IDF is a running
// approximation of the corpus.
type Vectorizer struct {
	mu    sync.RWMutex
	index map[string]int
	terms []string
	df    []int
	docs  int
}

// NewVectorizer creates a vectorizer with an empty vocabulary.
func NewVectorizer() *Vectorizer {
	return &Vectorizer{index: make(map[string]int)}
}

// Name returns the identifier of this embedder implementation.
func (v *Vectorizer) Name() string { return "tfidf" }

// Dimension returns the current vocabulary width.
func (v *Vectorizer) Dimension() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.terms)
}

// Embed computes the TF-IDF vector of text against the published vocabulary.
// Unknown terms are ignored; empty or fully unknown text yields the zero
// vector of the current width.
func (v *Vectorizer) Embed(text string) []float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return weigh(text, view{
		lookup: func(term string) (int, bool) {
			i, ok := v.index[term]
			return i, ok
		},
		df:    func(i int) int { return v.df[i] },
		docs:  v.docs,
		width: len(v.terms),
	})
}

// Begin starts a staged batch over the current vocabulary.
func (v *Vectorizer) Begin() embedding.Batch {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return &batch{
		v:        v,
		base:     len(v.terms),
		baseDocs: v.docs,
		added:    make(map[string]int),
		dfDelta:  make(map[int]int),
	}
}

// Snapshot copies the vocabulary for persistence.
func (v *Vectorizer) Snapshot() embedding.VocabularySnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return embedding.VocabularySnapshot{
		Terms: append([]string(nil), v.terms...),
		DF:    append([]int(nil), v.df...),
		Docs:  v.docs,
	}
}

// Restore replaces the vocabulary with a persisted snapshot.
func (v *Vectorizer) Restore(snap embedding.VocabularySnapshot) error {
	if len(snap.Terms) != len(snap.DF) {
		return fmt.Errorf("tfidf: snapshot has %d terms but %d frequencies", len(snap.Terms), len(snap.DF))
	}
	index := make(map[string]int, len(snap.Terms))
	for i, term := range snap.Terms {
		if _, dup := index[term]; dup {
			return fmt.Errorf("tfidf: duplicate term %q in snapshot", term)
		}
		if snap.DF[i] < 0 || snap.DF[i] > snap.Docs {
			return fmt.Errorf("tfidf: term %q has document frequency %d outside [0,%d]", term, snap.DF[i], snap.Docs)
		}
		index[term] = i
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.index = index
	v.terms = append([]string(nil), snap.Terms...)
	v.df = append([]int(nil), snap.DF...)
	v.docs = snap.Docs
	return nil
}

// IDF returns the smoothed inverse document frequency 1 + ln((1+N)/(1+df)).
// It is strictly decreasing in df and never below 1 while df <= N.
func IDF(docs, df int) float64 {
	return math.Log((1+float64(docs))/(1+float64(df))) + 1.0
}

type batch struct {
	v         *Vectorizer
	base      int
	baseDocs  int
	added     map[string]int
	terms     []string
	dfDelta   map[int]int
	docs      int
	committed bool
}

// Observe counts text as one more document and allocates dimensions for
// terms seen for the first time.
func (b *batch) Observe(text string) {
	b.v.mu.RLock()
	defer b.v.mu.RUnlock()
	seen := make(map[int]struct{})
	for _, tok := range tokenize.Words(text) {
		if tokenize.IsStopword(tok) {
			continue
		}
		idx, ok := b.lookup(tok)
		if !ok {
			idx = b.base + len(b.terms)
			b.added[tok] = idx
			b.terms = append(b.terms, tok)
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		b.dfDelta[idx]++
	}
	b.docs++
}

// Embed weighs text against the vocabulary as it would look after Commit.
func (b *batch) Embed(text string) []float64 {
	b.v.mu.RLock()
	defer b.v.mu.RUnlock()
	return weigh(text, view{
		lookup: b.lookup,
		df: func(i int) int {
			n := b.dfDelta[i]
			if i < b.base {
				n += b.v.df[i]
			}
			return n
		},
		docs:  b.baseDocs + b.docs,
		width: b.base + len(b.terms),
	})
}

func (b *batch) Dimension() int { return b.base + len(b.terms) }

// Commit publishes the staged terms and frequencies atomically.
func (b *batch) Commit() error {
	if b.committed {
		return errors.New("tfidf: batch already committed")
	}
	v := b.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.terms) != b.base || v.docs != b.baseDocs {
		return ErrStaleBatch
	}
	for _, term := range b.terms {
		v.index[term] = len(v.terms)
		v.terms = append(v.terms, term)
		v.df = append(v.df, 0)
	}
	for idx, n := range b.dfDelta {
		v.df[idx] += n
	}
	v.docs += b.docs
	b.committed = true
	return nil
}

// lookup must be called with b.v.mu held for reading.
func (b *batch) lookup(term string) (int, bool) {
	if i, ok := b.v.index[term]; ok && i < b.base {
		return i, true
	}
	i, ok := b.added[term]
	return i, ok
}

type view struct {
	lookup func(term string) (int, bool)
	df     func(i int) int
	docs   int
	width  int
}

func weigh(text string, vw view) []float64 {
	vec := make([]float64, vw.width)
	tf := make(map[int]int)
	total := 0
	for _, tok := range tokenize.Words(text) {
		if tokenize.IsStopword(tok) {
			continue
		}
		if idx, ok := vw.lookup(tok); ok && idx < vw.width {
			tf[idx]++
			total++
		}
	}
	if total == 0 {
		return vec
	}
	for idx, count := range tf {
		tfv := float64(count) / float64(total)
		vec[idx] = tfv * IDF(vw.docs, vw.df(idx))
	}
	// L2 normalize
	norm := 0.0
	for _, x := range vec {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 && !math.IsInf(norm, 0) {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
