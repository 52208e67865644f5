package ml

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// DriftDetector tracks the distribution of standardized inputs across
// scored batches. The scaler maps the training distribution to mean 0 and
// standard deviation 1, so that is the baseline every feature is compared
// against.
type DriftDetector struct {
	mu             sync.RWMutex
	featureNames   []string
	current        []FeatureDistribution
	alertThreshold float64
	minSamples     int64
}

// FeatureDistribution holds running moments of one scaled feature.
type FeatureDistribution struct {
	Mean        float64 `json:"mean"`
	StandardDev float64 `json:"standard_dev"`
	SampleCount int64   `json:"sample_count"`

	m2 float64
}

// DriftAlert reports a feature whose scaled inputs moved away from the
// training distribution.
type DriftAlert struct {
	FeatureName string  `json:"feature_name"`
	DriftScore  float64 `json:"drift_score"`
	Threshold   float64 `json:"threshold"`
	Severity    string  `json:"severity"`
	Mean        float64 `json:"mean"`
	StandardDev float64 `json:"standard_dev"`
	Description string  `json:"description"`
}

// DriftDetectionConfig configures drift detection.
type DriftDetectionConfig struct {
	AlertThreshold float64 `yaml:"alert_threshold"`
	MinSamples     int     `yaml:"min_samples"`
}

// NewDriftDetector creates a detector for the given schema.
func NewDriftDetector(featureNames []string, config DriftDetectionConfig) *DriftDetector {
	dd := &DriftDetector{
		featureNames:   append([]string(nil), featureNames...),
		current:        make([]FeatureDistribution, len(featureNames)),
		alertThreshold: config.AlertThreshold,
		minSamples:     int64(config.MinSamples),
	}
	if dd.alertThreshold <= 0 {
		dd.alertThreshold = 0.5
	}
	if dd.minSamples <= 0 {
		dd.minSamples = 30
	}
	return dd
}

// Observe folds every row of a scaled batch into the running statistics.
// Batches of another width are ignored.
func (dd *DriftDetector) Observe(scaled mat.Matrix) {
	rows, cols := scaled.Dims()
	if cols != len(dd.current) {
		return
	}

	dd.mu.Lock()
	defer dd.mu.Unlock()
	for j := 0; j < cols; j++ {
		dist := &dd.current[j]
		for i := 0; i < rows; i++ {
			dist.update(scaled.At(i, j))
		}
	}
}

// Welford update.
func (d *FeatureDistribution) update(v float64) {
	d.SampleCount++
	delta := v - d.Mean
	d.Mean += delta / float64(d.SampleCount)
	d.m2 += delta * (v - d.Mean)
	if d.SampleCount > 1 {
		d.StandardDev = math.Sqrt(d.m2 / float64(d.SampleCount-1))
	}
}

// statisticalMomentsTest compares mean and spread against the standard
// normal baseline.
func statisticalMomentsTest(current FeatureDistribution) float64 {
	meanDiff := math.Abs(current.Mean)
	stdDiff := math.Abs(current.StandardDev-1) / 2
	return (meanDiff + stdDiff) / 2
}

// DetectDrift returns one alert per drifting feature, largest score first.
// Nothing is reported until MinSamples rows have been observed.
func (dd *DriftDetector) DetectDrift() []DriftAlert {
	dd.mu.RLock()
	defer dd.mu.RUnlock()

	var alerts []DriftAlert
	for j, dist := range dd.current {
		if dist.SampleCount < dd.minSamples {
			continue
		}
		score := statisticalMomentsTest(dist)
		if score < dd.alertThreshold {
			continue
		}
		severity := "medium"
		if score >= 2*dd.alertThreshold {
			severity = "high"
		}
		alerts = append(alerts, DriftAlert{
			FeatureName: dd.featureNames[j],
			DriftScore:  score,
			Threshold:   dd.alertThreshold,
			Severity:    severity,
			Mean:        dist.Mean,
			StandardDev: dist.StandardDev,
			Description: fmt.Sprintf("scaled mean %.2f, std %.2f over %d samples", dist.Mean, dist.StandardDev, dist.SampleCount),
		})
	}

	sort.SliceStable(alerts, func(a, b int) bool {
		return alerts[a].DriftScore > alerts[b].DriftScore
	})
	return alerts
}

// Samples returns the number of rows observed so far.
func (dd *DriftDetector) Samples() int64 {
	dd.mu.RLock()
	defer dd.mu.RUnlock()
	if len(dd.current) == 0 {
		return 0
	}
	return dd.current[0].SampleCount
}

// GetDriftStatus returns the current drift score of every feature.
func (dd *DriftDetector) GetDriftStatus() map[string]float64 {
	dd.mu.RLock()
	defer dd.mu.RUnlock()

	status := make(map[string]float64, len(dd.featureNames))
	for j, name := range dd.featureNames {
		if dd.current[j].SampleCount < dd.minSamples {
			status[name] = 0
			continue
		}
		status[name] = statisticalMomentsTest(dd.current[j])
	}
	return status
}

// Reset clears the accumulated statistics.
func (dd *DriftDetector) Reset() {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	dd.current = make([]FeatureDistribution, len(dd.featureNames))
}
