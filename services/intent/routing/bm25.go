// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"math"
)

// =============================================================================
// BM25 Index
// =============================================================================

// defaultBM25K1 controls term frequency saturation when the engine defaults
// leave it unset.
const defaultBM25K1 = 1.5

// bm25Index holds per-term IDF over a pool's scenario documents.
//
// # Description
//
// Each scenario is one document: the union of its normalized trigger tokens.
// IDF uses Lucene-style smoothing, log((N+1)/(df+1)) + 1, so every weight is
// at least 1 and a term shared by every scenario still counts.
//
// Unlike a ranking index, scores here are absolute. coverage reports how much
// of a single trigger phrase an utterance covers, relative to the phrase
// itself, so the result is comparable against a fixed threshold regardless
// of what else is in the pool. Document length normalization is therefore
// not applied.
//
// # Thread Safety
//
// Immutable after buildBM25Index. Safe for concurrent use.
type bm25Index struct {
	idf map[string]float64
	k1  float64
}

// buildBM25Index computes IDF over docs, one token slice per scenario.
func buildBM25Index(docs [][]string, k1 float64) *bm25Index {
	if k1 <= 0 {
		k1 = defaultBM25K1
	}
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool, len(doc))
		for _, term := range doc {
			if !seen[term] {
				seen[term] = true
				df[term]++
			}
		}
	}

	n := len(docs)
	idf := make(map[string]float64, len(df))
	for term, docFreq := range df {
		idf[term] = math.Log(float64(n+1)/float64(docFreq+1)) + 1.0
	}
	return &bm25Index{idf: idf, k1: k1}
}

// weight returns the IDF of term, or 1 for a term outside the corpus.
func (idx *bm25Index) weight(term string) float64 {
	if w, ok := idx.idf[term]; ok {
		return w
	}
	return 1.0
}

// saturate is the BM25 term frequency curve scaled so saturate(1) == 1.
// Repeated hits raise it with diminishing returns toward k1+1.
func (idx *bm25Index) saturate(tf int) float64 {
	if tf <= 0 {
		return 0
	}
	f := float64(tf)
	return f * (idx.k1 + 1) / (f + idx.k1)
}

// coverage returns the IDF-weighted share of phrase terms found in the
// utterance term counts, in [0, 1].
//
// # Description
//
//	coverage = min(1, Σ idf(t)·sat(tf(t)) / Σ idf(t))   over unique t in phrase
//
// A repeated utterance term can partly make up for a missing one, but the
// curve flattens quickly and the total never exceeds 1.
func (idx *bm25Index) coverage(counts map[string]int, phrase []string) float64 {
	if len(phrase) == 0 || len(counts) == 0 {
		return 0
	}
	var got, want float64
	seen := make(map[string]bool, len(phrase))
	for _, term := range phrase {
		if seen[term] {
			continue
		}
		seen[term] = true
		w := idx.weight(term)
		want += w
		got += w * idx.saturate(counts[term])
	}
	if want == 0 {
		return 0
	}
	return math.Min(1, got/want)
}

// termCounts returns token frequencies.
func termCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}
