package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestScaler_Transform(t *testing.T) {
	s, err := NewScaler([]float64{1, 10, 0}, []float64{2, 5, 0}, nil)
	require.NoError(t, err)

	x := mat.NewDense(2, 3, []float64{
		3, 10, 4,
		1, 0, -1,
	})
	out, err := s.Transform(x)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 0, 4}, out.RawRowView(0))
	assert.Equal(t, []float64{0, -2, -1}, out.RawRowView(1))

	// input is left untouched
	assert.Equal(t, []float64{3, 10, 4}, x.RawRowView(0))
}

func TestScaler_NeverRefits(t *testing.T) {
	s, err := NewScaler([]float64{0, 0}, []float64{1, 1}, nil)
	require.NoError(t, err)

	first, err := s.Transform(mat.NewDense(1, 2, []float64{5, -5}))
	require.NoError(t, err)

	// a wildly different batch must not move the parameters
	_, err = s.Transform(mat.NewDense(3, 2, []float64{1000, 1000, 2000, 2000, 3000, 3000}))
	require.NoError(t, err)

	again, err := s.Transform(mat.NewDense(1, 2, []float64{5, -5}))
	require.NoError(t, err)
	assert.Equal(t, first.RawRowView(0), again.RawRowView(0))
}

func TestScaler_WidthMismatch(t *testing.T) {
	width := 50
	art := FixtureScaler(width)
	s, err := NewScaler(art.Mean, art.Scale, art.FeatureNamesIn)
	require.NoError(t, err)

	for _, cols := range []int{49, 51} {
		_, err := s.Transform(mat.NewDense(1, cols, nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSchemaMismatch)

		var sm *SchemaMismatchError
		require.ErrorAs(t, err, &sm)
		assert.Equal(t, 50, sm.Expected)
		assert.Equal(t, cols, sm.Found)
	}
}

func TestNewScaler_Invalid(t *testing.T) {
	_, err := NewScaler(nil, nil, nil)
	assert.ErrorIs(t, err, ErrArtifactLoad)

	_, err = NewScaler([]float64{1, 2}, []float64{1}, nil)
	assert.ErrorIs(t, err, ErrArtifactLoad)

	_, err = NewScaler([]float64{1}, []float64{1}, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrArtifactLoad)
}

func TestLoadScaler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scaler.json")

	data, err := json.Marshal(FixtureScaler(4))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := LoadScaler(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Width())
	assert.Equal(t, FixtureFeatureIDs(4), s.FeatureNames())
}

func TestLoadScaler_Failures(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadScaler(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrArtifactLoad)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	_, err = LoadScaler(bad)
	assert.ErrorIs(t, err, ErrArtifactLoad)

	inconsistent := filepath.Join(dir, "inconsistent.json")
	require.NoError(t, os.WriteFile(inconsistent, []byte(`{"mean":[0,0],"scale":[1,1],"n_features_in":3}`), 0o600))
	_, err = LoadScaler(inconsistent)
	assert.ErrorIs(t, err, ErrArtifactLoad)
}
