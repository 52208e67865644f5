package ml

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy for the scoring pipeline. Every error returned by the
// pipeline wraps exactly one of these sentinels.
var (
	ErrArtifactLoad        = errors.New("artifact load failure")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrInvalidFeatureValue = errors.New("invalid feature value")
	ErrEmptyInput          = errors.New("empty input")
	ErrInternalScoring     = errors.New("internal scoring failure")
)

// Error kind names, used as metric labels and in API error bodies.
const (
	KindArtifactLoad        = "artifact_load_failure"
	KindSchemaMismatch      = "schema_mismatch"
	KindInvalidFeatureValue = "invalid_feature_value"
	KindEmptyInput          = "empty_input"
	KindInternalScoring     = "internal_scoring_failure"
)

// SchemaMismatchError reports a feature width or presence problem.
type SchemaMismatchError struct {
	Expected int
	Found    int
	Missing  []string
	Reason   string
}

func (e *SchemaMismatchError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing expected feature columns: %s", ErrSchemaMismatch, strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (expected %d, found %d)", ErrSchemaMismatch, e.Reason, e.Expected, e.Found)
	}
	return fmt.Sprintf("%s: expected %d biomarkers, found %d", ErrSchemaMismatch, e.Expected, e.Found)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// InvalidFeatureValueError names the columns holding missing or non-numeric
// cells and how many rows were bad in each.
type InvalidFeatureValueError struct {
	BadRows map[string]int
}

// Columns returns the offending column names in sorted order.
func (e *InvalidFeatureValueError) Columns() []string {
	cols := make([]string, 0, len(e.BadRows))
	for c := range e.BadRows {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (e *InvalidFeatureValueError) Error() string {
	parts := make([]string, 0, len(e.BadRows))
	for _, c := range e.Columns() {
		parts = append(parts, fmt.Sprintf("%s: %d", c, e.BadRows[c]))
	}
	return fmt.Sprintf("%s: non-numeric or missing values in columns (rows affected) {%s}", ErrInvalidFeatureValue, strings.Join(parts, ", "))
}

func (e *InvalidFeatureValueError) Unwrap() error { return ErrInvalidFeatureValue }

// Kind maps an error to its taxonomy name. Unknown errors are reported as
// internal scoring failures.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrArtifactLoad):
		return KindArtifactLoad
	case errors.Is(err, ErrSchemaMismatch):
		return KindSchemaMismatch
	case errors.Is(err, ErrInvalidFeatureValue):
		return KindInvalidFeatureValue
	case errors.Is(err, ErrEmptyInput):
		return KindEmptyInput
	default:
		return KindInternalScoring
	}
}

// IsClientError reports whether err was caused by the request payload rather
// than the service.
func IsClientError(err error) bool {
	switch Kind(err) {
	case KindSchemaMismatch, KindInvalidFeatureValue, KindEmptyInput:
		return true
	}
	return false
}

func artifactErr(what, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrArtifactLoad, what, path, err)
}
