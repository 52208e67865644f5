package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankImportances_TopN(t *testing.T) {
	width := 50
	ids := FixtureFeatureIDs(width)
	w := FixtureImportances(width)

	top, err := RankImportances(ids, w, nil, 10)
	require.NoError(t, err)
	require.Len(t, top, 10)

	for i, entry := range top {
		assert.Equal(t, i+1, entry.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, top[i-1].Importance, entry.Importance)
		}
	}

	// weights are a permutation of 0..49, so the top ten are 49 down to 40
	for i, entry := range top {
		assert.Equal(t, float64(49-i), entry.Importance)
	}

	sum := 0.0
	for _, entry := range top {
		assert.GreaterOrEqual(t, entry.ImportancePct, 0.0)
		sum += entry.ImportancePct
	}
	assert.LessOrEqual(t, sum, 100.0)
}

func TestRankImportances_FullListSumsToHundred(t *testing.T) {
	ids := FixtureFeatureIDs(50)
	all, err := RankImportances(ids, FixtureImportances(50), nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 50)

	sum := 0.0
	for _, entry := range all {
		sum += entry.ImportancePct
	}
	assert.InDelta(t, 100.0, sum, 1e-9)

	more, err := RankImportances(ids, FixtureImportances(50), nil, 500)
	require.NoError(t, err)
	assert.Equal(t, all, more)
}

func TestRankImportances_TiesByIndex(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	got, err := RankImportances(ids, []float64{1, 3, 3, 1}, staticNames{"b": "GFAP"}, 0)
	require.NoError(t, err)

	order := make([]string, len(got))
	for i, g := range got {
		order[i] = g.FeatureID
	}
	assert.Equal(t, []string{"b", "c", "a", "d"}, order)
	assert.Equal(t, "GFAP (b)", got[0].DisplayName)
	assert.InDelta(t, 37.5, got[0].ImportancePct, 1e-9)
}

func TestRankImportances_ZeroTotal(t *testing.T) {
	got, err := RankImportances([]string{"a", "b"}, []float64{0, 0}, nil, 0)
	require.NoError(t, err)
	for _, g := range got {
		assert.Equal(t, 0.0, g.ImportancePct)
	}
}

func TestRankImportances_LengthMismatch(t *testing.T) {
	_, err := RankImportances([]string{"a"}, []float64{1, 2}, nil, 0)
	assert.ErrorIs(t, err, ErrInternalScoring)
}
