// Package metrics provides Prometheus metrics for the biomarker risk service.
// It defines the scoring, HTTP, history and live feed metrics exposed via the
// Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Scoring metrics
	BatchesScored    prometheus.Counter     // Batches scored successfully
	SubjectsScored   prometheus.Counter     // Subjects scored across all batches
	PositiveSubjects prometheus.Counter     // Subjects predicted as class 1
	ScoringFailures  *prometheus.CounterVec // Failed batches by error kind
	ScoringLatency   prometheus.Histogram   // End-to-end batch scoring latency
	Probabilities    prometheus.Histogram   // Distribution of predicted probabilities

	// Artifact metrics
	ModelAge       prometheus.Gauge // Age of the loaded model artifact in seconds
	FeaturesLoaded prometheus.Gauge // Width of the loaded feature schema

	// Surface metrics
	HTTPRequests  *prometheus.CounterVec // API requests by route and status code
	HistoryWrites prometheus.Counter     // Batches persisted to the history store
	FeedClients   prometheus.Gauge       // Connected live feed clients

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		BatchesScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "scoring_batches_total",
			Help: "Total number of batches scored successfully",
		}),
		SubjectsScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "scoring_subjects_total",
			Help: "Total number of subjects scored",
		}),
		PositiveSubjects: factory.NewCounter(prometheus.CounterOpts{
			Name: "scoring_positive_subjects_total",
			Help: "Total number of subjects predicted positive",
		}),
		ScoringFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scoring_failures_total",
			Help: "Total number of failed scoring requests by error kind",
		}, []string{"kind"}),
		ScoringLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoring_latency_seconds",
			Help:    "Batch scoring latency in seconds (end-to-end)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		Probabilities: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoring_probabilities",
			Help:    "Distribution of predicted class-1 probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_age_seconds",
			Help: "Age of the loaded model artifact in seconds",
		}),
		FeaturesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_features_loaded",
			Help: "Number of features in the loaded schema",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests by route and status code",
		}, []string{"route", "code"}),
		HistoryWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "history_writes_total",
			Help: "Total number of scored batches written to history",
		}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_clients",
			Help: "Number of connected live feed clients",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
