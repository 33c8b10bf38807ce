// Package stats implements the term-weighting statistics engine: per-document
// term-frequency accumulation plus TF-IDF, IDF-only, and Okapi BM25 scoring
// over the accumulated corpus.
//
// Document and term keys are opaque comparable types; nothing in the scoring
// math assumes string semantics. Counts are plain ints and removal is allowed
// to drive them negative: the engine performs no defensive validation, and
// degenerate inputs degrade to the non-finite values math.Log naturally
// produces rather than errors.
package stats

import (
	"math"
	"sync"
)

// Variant selects an IDF weighting scheme.
type Variant string

const (
	// VariantSmooth uses log-normalised term frequency with smoothed IDF.
	VariantSmooth Variant = "smooth"
	// VariantProb uses probabilistic IDF, clamped at zero (IDF tables only).
	VariantProb Variant = "prob"
	// VariantNone uses raw term frequency with reciprocal document frequency.
	VariantNone Variant = "none"
)

// Unrecognised variants are not rejected; they select the VariantNone
// behaviour. Callers that pass user input through get the unsmoothed table
// rather than an error.

// BM25Params holds the Okapi BM25 tuning parameters. Out-of-range values are
// accepted as-is and simply change the formula's numeric behaviour.
type BM25Params struct {
	// K1 controls term-frequency saturation, conventionally in [1.2, 2.0].
	K1 float64
	// B controls length normalisation in [0, 1]; b=0 gives BM15, b=1 BM11.
	B float64
	// Delta is the BM25+ additive floor offsetting length normalisation.
	Delta float64
}

// DefaultBM25Params returns the conventional k1=1.2, b=0.75, delta=0 tuning.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: 1.2, B: 0.75}
}

// Table is a nested score table: document key to term key to weight.
type Table[D comparable, T comparable] map[D]map[T]float64

// Engine accumulates per-document term counts and computes weight tables
// from them. The zero value is not usable; create instances with New.
//
// A single mutex guards the whole engine for the full duration of every
// call, mutation and scoring alike, so a scoring call never observes a
// partial mutation. Scoring calls recompute document frequencies (and, for
// BM25, document lengths) from scratch on every invocation; the engine keeps
// no derived aggregates between calls.
type Engine[D comparable, T comparable] struct {
	mu       sync.Mutex
	termFreq map[D]map[T]int
	revision uint64
}

// New creates an empty engine.
func New[D comparable, T comparable]() *Engine[D, T] {
	return &Engine[D, T]{
		termFreq: make(map[D]map[T]int),
	}
}

// AddWord records one occurrence of term in doc. The document record is
// created lazily on first use. AddWord always succeeds.
func (e *Engine[D, T]) AddWord(term T, doc D) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts(doc)[term]++
	e.revision++
}

// RemoveWord removes one occurrence of term from doc. It does not check that
// the resulting count is non-negative: pairing removals with prior additions
// is the caller's responsibility, and over-removal leaves a negative count
// that flows into later scoring calls.
func (e *Engine[D, T]) RemoveWord(term T, doc D) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts(doc)[term]--
	e.revision++
}

// Update records one occurrence of every term in terms against doc. An
// empty slice records nothing: the document is not created and the revision
// does not advance.
func (e *Engine[D, T]) Update(terms []T, doc D) {
	if len(terms) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := e.counts(doc)
	for _, term := range terms {
		counts[term]++
	}
	e.revision++
}

// counts returns doc's count map, creating it if absent. Callers hold e.mu.
func (e *Engine[D, T]) counts(doc D) map[T]int {
	counts, ok := e.termFreq[doc]
	if !ok {
		counts = make(map[T]int)
		e.termFreq[doc] = counts
	}
	return counts
}

// TFIDF computes a TF-IDF table for every (document, term) pair currently
// recorded.
//
// VariantSmooth scores (1+ln(freq)) * ln(1+total/df); every other variant,
// including unrecognised ones, scores freq/df. total is the sum of document
// frequencies over all terms, not the document count; this normalisation
// base is part of the engine's contract.
func (e *Engine[D, T]) TFIDF(variant Variant) Table[D, T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	df := e.docFreq()
	out := make(Table[D, T], len(e.termFreq))

	if variant == VariantSmooth {
		idf := smoothIDF(df)
		for doc, counts := range e.termFreq {
			scores := make(map[T]float64, len(counts))
			for term, freq := range counts {
				scores[term] = (1 + math.Log(float64(freq))) * idf[term]
			}
			out[doc] = scores
		}
		return out
	}

	// No smoothing: raw term frequency over document frequency.
	idf := reciprocalIDF(df)
	for doc, counts := range e.termFreq {
		scores := make(map[T]float64, len(counts))
		for term, freq := range counts {
			scores[term] = float64(freq) * idf[term]
		}
		out[doc] = scores
	}
	return out
}

// IDF computes an IDF-only table: the per-term IDF weight broadcast to every
// (document, term) pair currently recorded. Per-document frequencies decide
// only which pairs appear, never the value.
//
// VariantProb scores max(0, ln((total-df)/df)), VariantSmooth matches the
// TFIDF smooth IDF term, and every other variant scores 1/df.
func (e *Engine[D, T]) IDF(variant Variant) Table[D, T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	df := e.docFreq()

	var idf map[T]float64
	switch variant {
	case VariantProb:
		total := 0
		for _, docs := range df {
			total += docs
		}
		idf = make(map[T]float64, len(df))
		for term, docs := range df {
			idf[term] = math.Max(0, math.Log(float64(total-docs)/float64(docs)))
		}
	case VariantSmooth:
		idf = smoothIDF(df)
	default:
		idf = reciprocalIDF(df)
	}

	out := make(Table[D, T], len(e.termFreq))
	for doc, counts := range e.termFreq {
		scores := make(map[T]float64, len(counts))
		for term := range counts {
			scores[term] = idf[term]
		}
		out[doc] = scores
	}
	return out
}

// BM25 computes an Okapi BM25 table for every (document, term) pair
// currently recorded. An engine with no documents yields an empty table.
//
// To score a multi-term query, sum the per-term scores for a document.
func (e *Engine[D, T]) BM25(p BM25Params) Table[D, T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(Table[D, T], len(e.termFreq))
	if len(e.termFreq) == 0 {
		return out
	}

	df := e.docFreq()
	docLen := make(map[D]int, len(e.termFreq))
	totalLen := 0
	for doc, counts := range e.termFreq {
		n := 0
		for _, freq := range counts {
			n += freq
		}
		docLen[doc] = n
		totalLen += n
	}
	avgLen := float64(totalLen) / float64(len(docLen))

	total := 0
	for _, docs := range df {
		total += docs
	}
	idf := make(map[T]float64, len(df))
	for term, docs := range df {
		idf[term] = math.Log((float64(total-docs) + 0.5) / (float64(docs) + 0.5))
	}

	for doc, counts := range e.termFreq {
		scores := make(map[T]float64, len(counts))
		norm := float64(docLen[doc]) / avgLen
		for term, freq := range counts {
			f := float64(freq)
			scores[term] = idf[term] * (f*(p.K1+1)/(f+p.K1*(1-p.B+p.B*norm)) + p.Delta)
		}
		out[doc] = scores
	}
	return out
}

// docFreq counts, for each term, the number of documents holding a recorded
// entry for it. Entries count regardless of sign: a zero or negative count
// is still a recorded entry. Callers hold e.mu.
func (e *Engine[D, T]) docFreq() map[T]int {
	df := make(map[T]int)
	for _, counts := range e.termFreq {
		for term := range counts {
			df[term]++
		}
	}
	return df
}

// smoothIDF returns ln(1+total/df) per term, total being the sum of
// document frequencies.
func smoothIDF[T comparable](df map[T]int) map[T]float64 {
	total := 0.0
	for _, docs := range df {
		total += float64(docs)
	}
	idf := make(map[T]float64, len(df))
	for term, docs := range df {
		idf[term] = math.Log(1 + total/float64(docs))
	}
	return idf
}

// reciprocalIDF returns 1/df per term.
func reciprocalIDF[T comparable](df map[T]int) map[T]float64 {
	idf := make(map[T]float64, len(df))
	for term, docs := range df {
		idf[term] = 1 / float64(docs)
	}
	return idf
}

// Count returns the stored count for (term, doc); zero when the pair has
// never been recorded.
func (e *Engine[D, T]) Count(term T, doc D) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.termFreq[doc][term]
}

// DocumentCount returns the number of documents with at least one recorded
// entry.
func (e *Engine[D, T]) DocumentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.termFreq)
}

// TermCount returns the number of distinct terms recorded across the corpus.
func (e *Engine[D, T]) TermCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docFreq())
}

// Revision returns a counter incremented by every mutation. Two calls
// returning the same value bracket a span with no state changes, which lets
// callers key caches of rendered tables without the engine itself caching
// anything.
func (e *Engine[D, T]) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}
