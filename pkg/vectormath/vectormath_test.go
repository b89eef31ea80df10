package vectormath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity_Identical(t *testing.T) {
	v := []float64{0.3, -0.5, 0.8}
	require.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarity_Orthogonal(t *testing.T) {
	require.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	got := CosineSimilarity([]float64{0, 0, 0}, []float64{1, 2, 3})
	require.Equal(t, 0.0, got)
	require.False(t, got != got, "must not be NaN")
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	require.Equal(t, 0.0, CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}))
}

func TestRankCandidates_SortedAndBounded(t *testing.T) {
	query := []float64{1, 0}
	candidates := []Candidate{
		{ID: "far", Embedding: []float64{0, 1}},
		{ID: "near", Embedding: []float64{1, 0.01}},
		{ID: "mid", Embedding: []float64{1, 1}},
		{ID: "also-near", Embedding: []float64{1, 0.02}},
	}

	matches, skipped := RankCandidates(query, candidates, 3)
	require.Empty(t, skipped)
	require.Len(t, matches, 3)
	for i := 1; i < len(matches); i++ {
		require.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
	require.Equal(t, "near", matches[0].ID)
}

func TestRankCandidates_SkipsMismatchedAndMissing(t *testing.T) {
	query := []float64{1, 0}
	candidates := []Candidate{
		{ID: "ok", Embedding: []float64{1, 0}},
		{ID: "short", Embedding: []float64{1}},
		{ID: "empty"},
	}

	matches, skipped := RankCandidates(query, candidates, 10)
	require.Len(t, matches, 1)
	require.Equal(t, "ok", matches[0].ID)
	require.ElementsMatch(t, []string{"short", "empty"}, skipped)
}

func TestRankCandidates_RoundsToSixDecimals(t *testing.T) {
	matches, _ := RankCandidates([]float64{1, 1}, []Candidate{{ID: "a", Embedding: []float64{1, 0}}}, 1)
	require.Len(t, matches, 1)
	// cos(45°) = 0.7071067811..., rounded to 6 digits
	require.Equal(t, 0.707107, matches[0].Score)
}

func TestRankCandidates_TieKeepsInputOrder(t *testing.T) {
	query := []float64{1, 0}
	matches, _ := RankCandidates(query, []Candidate{
		{ID: "first", Embedding: []float64{2, 0}},
		{ID: "second", Embedding: []float64{3, 0}},
	}, 2)
	require.Equal(t, "first", matches[0].ID)
	require.Equal(t, "second", matches[1].ID)
}

func TestRankCandidates_EmptyInputs(t *testing.T) {
	matches, skipped := RankCandidates(nil, []Candidate{{ID: "a", Embedding: []float64{1}}}, 3)
	require.Nil(t, matches)
	require.Nil(t, skipped)

	matches, _ = RankCandidates([]float64{1}, nil, 3)
	require.Empty(t, matches)
}
