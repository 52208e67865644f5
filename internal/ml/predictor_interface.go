// Package ml provides the inference half of the biomarker risk pipeline:
// the frozen feature scaler, the gradient-boosted tree classifier, the risk
// stratifier, and the per-subject contribution ranker.
//
// All artifacts are loaded once and are read-only afterwards, so a single
// loaded Scaler and TreeModel can be shared by any number of goroutines.
package ml

import "gonum.org/v1/gonum/mat"

// Classifier is a frozen binary classifier over a scaled feature matrix.
type Classifier interface {
	// PredictProba returns the class-1 probability for every row of x.
	// It must not mutate model state.
	PredictProba(x *mat.Dense) ([]float64, error)

	// Importances returns the global per-feature importance weights,
	// positionally aligned with the feature schema. The slice is a copy.
	Importances() []float64

	// Width returns the number of features the model was trained on.
	Width() int
}

// Transformer applies a frozen, previously fitted transform.
type Transformer interface {
	Transform(x *mat.Dense) (*mat.Dense, error)
	Width() int
}

// NameResolver maps a feature identifier to a human readable biomarker
// name. Implementations fall back to the identifier itself.
type NameResolver interface {
	ProteinName(featureID string) string
}

// MetricsInterface defines the metrics the scoring pipeline reports.
type MetricsInterface interface {
	BatchesScoredInc()
	SubjectsScoredAdd(n int)
	PositiveSubjectsAdd(n int)
	ScoringFailuresInc(kind string)
	ScoringLatencyObserve(seconds float64)
	ProbabilityObserve(p float64)
	ModelAgeSet(seconds float64)
	FeaturesLoadedSet(n int)
}

var (
	_ Classifier  = (*TreeModel)(nil)
	_ Transformer = (*Scaler)(nil)
)
