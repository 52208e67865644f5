package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

// MetricsWrapper adapts Metrics to the narrow interfaces used by the scoring
// service, the HTTP layer and the live feed.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) BatchesScoredInc() {
	w.m.BatchesScored.Inc()
}

func (w *MetricsWrapper) SubjectsScoredAdd(n int) {
	w.m.SubjectsScored.Add(float64(n))
}

func (w *MetricsWrapper) PositiveSubjectsAdd(n int) {
	w.m.PositiveSubjects.Add(float64(n))
}

func (w *MetricsWrapper) ScoringFailuresInc(kind string) {
	w.m.ScoringFailures.WithLabelValues(kind).Inc()
	w.m.ErrorsTotal.Inc()
}

func (w *MetricsWrapper) ScoringLatencyObserve(seconds float64) {
	w.m.ScoringLatency.Observe(seconds)
}

func (w *MetricsWrapper) ProbabilityObserve(p float64) {
	w.m.Probabilities.Observe(p)
}

func (w *MetricsWrapper) ModelAgeSet(seconds float64) {
	w.m.ModelAge.Set(seconds)
}

func (w *MetricsWrapper) FeaturesLoadedSet(n int) {
	w.m.FeaturesLoaded.Set(float64(n))
}

// RequestObserve counts one API response.
func (w *MetricsWrapper) RequestObserve(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (w *MetricsWrapper) HistoryWrites() MetricsCounter {
	return &CounterWrapper{w.m.HistoryWrites}
}

func (w *MetricsWrapper) FeedClients() MetricsGauge {
	return &GaugeWrapper{w.m.FeedClients}
}

func (w *MetricsWrapper) Errors() MetricsCounter {
	return &CounterWrapper{w.m.ErrorsTotal}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}
