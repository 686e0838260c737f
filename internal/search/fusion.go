// Package search runs queries against a knowledge base, combining
// vector similarity and BM25 relevance into one ranked list.
package search

import "sort"

// FusedResult is a single candidate after fusion.
type FusedResult struct {
	ChunkID string
	// Score is the fused score in [0, 1].
	Score float64
	// VecScore and LexScore are the raw per-index scores; VecNorm and
	// LexNorm their min-max normalized forms (0 when absent from that
	// index's candidates).
	VecScore float64
	VecNorm  float64
	LexScore float64
	LexNorm  float64
}

// scoredHit is the common shape of both indices' candidates.
type scoredHit struct {
	chunkID string
	score   float64
}

// Fuse combines the two candidate lists. Each list's scores are
// min-max normalized over that list alone, then summed as
// alpha*vector + (1-alpha)*lexical; a chunk missing from one list
// contributes zero for that side. Ties break on raw lexical score
// (descending), then chunk id (ascending), so results are
// deterministic for identical inputs.
func Fuse(vec, lex []scoredHit, alpha float64) []FusedResult {
	if len(vec) == 0 && len(lex) == 0 {
		return []FusedResult{}
	}

	byID := make(map[string]*FusedResult, len(vec)+len(lex))
	get := func(id string) *FusedResult {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id}
		byID[id] = r
		return r
	}

	vecNorms := minMaxNormalize(vec)
	for i, h := range vec {
		r := get(h.chunkID)
		r.VecScore = h.score
		r.VecNorm = vecNorms[i]
	}
	lexNorms := minMaxNormalize(lex)
	for i, h := range lex {
		r := get(h.chunkID)
		r.LexScore = h.score
		r.LexNorm = lexNorms[i]
	}

	results := make([]FusedResult, 0, len(byID))
	for _, r := range byID {
		r.Score = alpha*r.VecNorm + (1-alpha)*r.LexNorm
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LexScore != b.LexScore {
			return a.LexScore > b.LexScore
		}
		return a.ChunkID < b.ChunkID
	})
	return results
}

// minMaxNormalize maps scores onto [0, 1] within one candidate list.
// When every score is identical, every candidate gets 1: presence in
// the list is still a signal.
func minMaxNormalize(hits []scoredHit) []float64 {
	if len(hits) == 0 {
		return nil
	}
	lo, hi := hits[0].score, hits[0].score
	for _, h := range hits[1:] {
		if h.score < lo {
			lo = h.score
		}
		if h.score > hi {
			hi = h.score
		}
	}

	norms := make([]float64, len(hits))
	if hi == lo {
		for i := range norms {
			norms[i] = 1
		}
		return norms
	}
	for i, h := range hits {
		norms[i] = (h.score - lo) / (hi - lo)
	}
	return norms
}
