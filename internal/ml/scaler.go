package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

// ScalerArtifact is the on-disk form of a fitted standard scaler. Field names
// follow the attribute names of the training-side transformer.
type ScalerArtifact struct {
	Mean           []float64 `json:"mean"`
	Scale          []float64 `json:"scale"`
	NFeaturesIn    int       `json:"n_features_in"`
	FeatureNamesIn []string  `json:"feature_names_in,omitempty"`
}

// Scaler applies frozen per-feature standardization. Parameters are fixed at
// construction and never re-estimated from incoming data.
type Scaler struct {
	mean  []float64
	scale []float64
	names []string
}

// NewScaler builds a scaler from fitted centers and scales. A zero scale is
// treated as 1 so constant training features pass through centered.
func NewScaler(mean, scale []float64, names []string) (*Scaler, error) {
	if len(mean) == 0 {
		return nil, fmt.Errorf("%w: scaler has no features", ErrArtifactLoad)
	}
	if len(mean) != len(scale) {
		return nil, fmt.Errorf("%w: scaler mean has %d entries but scale has %d", ErrArtifactLoad, len(mean), len(scale))
	}
	if len(names) > 0 && len(names) != len(mean) {
		return nil, fmt.Errorf("%w: scaler lists %d feature names for %d features", ErrArtifactLoad, len(names), len(mean))
	}

	s := &Scaler{
		mean:  append([]float64(nil), mean...),
		scale: make([]float64, len(scale)),
		names: append([]string(nil), names...),
	}
	for j, v := range scale {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.IsNaN(mean[j]) || math.IsInf(mean[j], 0) {
			return nil, fmt.Errorf("%w: scaler parameter %d is not finite", ErrArtifactLoad, j)
		}
		if v == 0 {
			v = 1
		}
		s.scale[j] = v
	}
	return s, nil
}

// LoadScaler reads a scaler artifact from a JSON file.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, artifactErr("scaler", path, err)
	}

	var art ScalerArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, artifactErr("scaler", path, err)
	}
	if art.NFeaturesIn != 0 && art.NFeaturesIn != len(art.Mean) {
		return nil, artifactErr("scaler", path, fmt.Errorf("n_features_in is %d but %d centers were stored", art.NFeaturesIn, len(art.Mean)))
	}

	return NewScaler(art.Mean, art.Scale, art.FeatureNamesIn)
}

// Width returns the number of input features the scaler was fitted on.
func (s *Scaler) Width() int {
	return len(s.mean)
}

// FeatureNames returns the feature names recorded at fit time, if any.
func (s *Scaler) FeatureNames() []string {
	return append([]string(nil), s.names...)
}

// Transform standardizes every row of x in a single pass.
func (s *Scaler) Transform(x *mat.Dense) (*mat.Dense, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil feature matrix", ErrInternalScoring)
	}
	rows, cols := x.Dims()
	if cols != len(s.mean) {
		return nil, &SchemaMismatchError{
			Expected: len(s.mean),
			Found:    cols,
			Reason:   "number of features does not match the scaler",
		}
	}

	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.mean[j]) / s.scale[j]
	}, x)

	for i := 0; i < rows; i++ {
		for j, v := range out.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: scaled value at row %d feature %d is not finite", ErrInternalScoring, i, j)
			}
		}
	}
	return out, nil
}
