// Package vectormath implements brute-force cosine-similarity ranking over
// document-chunk embeddings. At the corpus sizes a single user uploads this is
// exact and effectively free; no index structure is needed.
package vectormath

import (
	"math"
	"sort"
)

// Candidate is one scoreable chunk.
type Candidate struct {
	ID         string
	DocumentID string
	Content    string
	Embedding  []float64
}

// Match is a candidate with its similarity score, rounded to 6 decimals.
type Match struct {
	Candidate
	Score float64
}

// CosineSimilarity returns the cosine of the angle between a and b.
// A zero-magnitude vector scores 0 rather than producing NaN.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RankCandidates scores candidates against query and returns at most k
// matches, highest score first. Candidates with a missing embedding or a
// dimension mismatch are skipped and their ids returned for logging.
// Ties keep the input order.
func RankCandidates(query []float64, candidates []Candidate, k int) (matches []Match, skipped []string) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	matches = make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) == 0 || len(c.Embedding) != len(query) {
			skipped = append(skipped, c.ID)
			continue
		}
		score := math.Round(CosineSimilarity(query, c.Embedding)*1e6) / 1e6
		matches = append(matches, Match{Candidate: c, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, skipped
}
