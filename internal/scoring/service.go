// Package scoring orchestrates the batch pipeline: align, scale, predict,
// stratify and explain.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"biomarker-risk/internal/cfg"
	"biomarker-risk/internal/features"
	"biomarker-risk/internal/ml"
)

// DefaultTopBiomarkers is the length of the importance list attached to
// every batch result.
const DefaultTopBiomarkers = 10

// Options configures a Service.
type Options struct {
	// Width is the expected feature count. Zero accepts the model's width.
	Width           int
	Prefix          string
	Expected        []string
	Truncation      string
	PositiveLabel   string
	NegativeLabel   string
	TopContributors int
	Drift           ml.DriftDetectionConfig
}

// OptionsFromSettings maps configuration onto service options.
func OptionsFromSettings(s cfg.Settings) Options {
	return Options{
		Width:           s.FeatureCount,
		Prefix:          s.FeaturePrefix,
		Expected:        s.ExpectedFeatures,
		Truncation:      s.TruncationPolicy,
		PositiveLabel:   s.PositiveLabel,
		NegativeLabel:   s.NegativeLabel,
		TopContributors: ml.DefaultTopContributors,
	}
}

// Service scores batches against one frozen model and scaler. Apart from
// the drift statistics it is immutable after construction, and it is safe
// for concurrent use.
type Service struct {
	model       ml.Classifier
	scaler      ml.Transformer
	names       *features.NameMap
	schema      features.Schema
	importances []float64
	opts        Options
	metrics     ml.MetricsInterface
	modTime     time.Time
	trees       int
	drift       *ml.DriftDetector
}

type namedArtifact interface {
	FeatureNames() []string
}

// New validates that the artifacts agree on width and resolves the feature
// schema. metrics may be nil.
func New(model ml.Classifier, scaler ml.Transformer, names *features.NameMap, opts Options, metrics ml.MetricsInterface) (*Service, error) {
	if model == nil || scaler == nil {
		return nil, fmt.Errorf("%w: model and scaler are required", ml.ErrArtifactLoad)
	}
	width := model.Width()
	if scaler.Width() != width {
		return nil, fmt.Errorf("%w: scaler expects %d features but the model expects %d", ml.ErrArtifactLoad, scaler.Width(), width)
	}
	if opts.Width != 0 && opts.Width != width {
		return nil, fmt.Errorf("%w: configured feature count %d does not match the model width %d", ml.ErrArtifactLoad, opts.Width, width)
	}
	if len(opts.Expected) > 0 && len(opts.Expected) != width {
		return nil, fmt.Errorf("%w: %d expected features configured for a model of width %d", ml.ErrArtifactLoad, len(opts.Expected), width)
	}
	opts.Width = width
	if opts.TopContributors <= 0 {
		opts.TopContributors = ml.DefaultTopContributors
	}
	if opts.PositiveLabel == "" {
		opts.PositiveLabel = "Parkinson's Disease"
	}
	if opts.NegativeLabel == "" {
		opts.NegativeLabel = "Healthy"
	}

	importances := model.Importances()
	if len(importances) != width {
		return nil, fmt.Errorf("%w: model reports %d importances for %d features", ml.ErrArtifactLoad, len(importances), width)
	}

	sources := []features.SchemaSource{
		{Name: "expected", IDs: opts.Expected},
		{Name: "protein_map", IDs: names.Order()},
	}
	if na, ok := model.(namedArtifact); ok {
		sources = append(sources, features.SchemaSource{Name: "model", IDs: na.FeatureNames()})
	}
	if na, ok := scaler.(namedArtifact); ok {
		sources = append(sources, features.SchemaSource{Name: "scaler", IDs: na.FeatureNames()})
	}

	s := &Service{
		model:       model,
		scaler:      scaler,
		names:       names,
		schema:      features.ResolveSchema(width, sources...),
		importances: importances,
		opts:        opts,
		metrics:     metrics,
	}
	s.drift = ml.NewDriftDetector(s.schema.IDs, opts.Drift)
	if tm, ok := model.(*ml.TreeModel); ok {
		s.modTime = tm.ModTime()
		s.trees = tm.NumTrees()
	}

	if metrics != nil {
		metrics.FeaturesLoadedSet(width)
	}
	s.refreshModelAge()

	log.Info().
		Int("features", width).
		Str("schema_source", s.schema.Source).
		Int("protein_mappings", names.Len()).
		Msg("Scoring service ready")

	return s, nil
}

// Load reads every artifact named by the settings and builds a Service.
// Any failure is fatal for the caller and wraps ml.ErrArtifactLoad.
func Load(settings cfg.Settings, metrics ml.MetricsInterface) (*Service, error) {
	model, err := ml.LoadModel(settings.ModelPath, ml.ModelOptions{
		ExpectedWidth:  settings.FeatureCount,
		ImportanceType: settings.ImportanceType,
	})
	if err != nil {
		return nil, err
	}

	scaler, err := ml.LoadScaler(settings.ScalerPath)
	if err != nil {
		return nil, err
	}

	names, err := features.LoadNameMap(settings.ProteinMapPath)
	if err != nil {
		return nil, err
	}

	return New(model, scaler, names, OptionsFromSettings(settings), metrics)
}

func (s *Service) alignerConfig() features.AlignerConfig {
	return features.AlignerConfig{
		Width:      s.opts.Width,
		Prefix:     s.opts.Prefix,
		Expected:   s.opts.Expected,
		Truncation: s.opts.Truncation,
	}
}

// ScoreBatch scores every row of t. The batch either succeeds as a whole or
// fails with one taxonomy error; no partial results are returned.
func (s *Service) ScoreBatch(t features.Table) (*BatchResult, error) {
	start := time.Now()
	res, err := s.scoreBatch(t)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ScoringFailuresInc(ml.Kind(err))
		}
		log.Warn().Err(err).Str("kind", ml.Kind(err)).Int("rows", t.Len()).Msg("Batch scoring failed")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.BatchesScoredInc()
		s.metrics.SubjectsScoredAdd(res.Summary.TotalSubjects)
		s.metrics.PositiveSubjectsAdd(res.Summary.Positive)
		s.metrics.ScoringLatencyObserve(time.Since(start).Seconds())
		for i := range res.Subjects {
			s.metrics.ProbabilityObserve(res.Subjects[i].Probability)
		}
	}
	s.refreshModelAge()

	log.Debug().
		Int("subjects", res.Summary.TotalSubjects).
		Int("positive", res.Summary.Positive).
		Dur("elapsed", time.Since(start)).
		Msg("Batch scored")
	return res, nil
}

func (s *Service) scoreBatch(t features.Table) (*BatchResult, error) {
	aligned, err := features.Align(t, s.alignerConfig())
	if err != nil {
		return nil, err
	}

	scaled, err := s.scaler.Transform(aligned.Matrix())
	if err != nil {
		return nil, wrapInternal(err)
	}

	probs, err := s.model.PredictProba(scaled)
	if err != nil {
		return nil, wrapInternal(err)
	}

	n := t.Len()
	if len(probs) != n {
		return nil, fmt.Errorf("%w: model returned %d probabilities for %d rows", ml.ErrInternalScoring, len(probs), n)
	}

	ids := aligned.Columns
	subjects := make([]ScoredSubject, n)
	for i, p := range probs {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return nil, fmt.Errorf("%w: probability %v for row %d is outside [0, 1]", ml.ErrInternalScoring, p, i)
		}

		raw := aligned.Row(i)
		scaledRow := append([]float64(nil), scaled.RawRowView(i)...)
		top, err := ml.RankContributions(ids, raw, scaledRow, s.importances, s.names, s.opts.TopContributors)
		if err != nil {
			return nil, err
		}

		values := make(map[string]float64, len(ids))
		for j, id := range ids {
			values[id] = raw[j]
		}

		a := ml.Stratify(p)
		subjects[i] = ScoredSubject{
			SubjectID:       i + 1,
			RawValues:       values,
			ScaledValues:    scaledRow,
			Probability:     p,
			ProbabilityPct:  p * 100,
			PredictedClass:  a.PredictedClass,
			Risk:            a.Risk,
			Confidence:      a.Confidence,
			Interpretation:  s.interpret(a.PredictedClass),
			TopContributors: top,
		}
	}

	top, err := s.rank(ids, DefaultTopBiomarkers)
	if err != nil {
		return nil, err
	}

	s.drift.Observe(scaled)

	summary := summarize(subjects)
	return &BatchResult{
		Message:           fmt.Sprintf("Analyzed %d subjects", n),
		Summary:           summary,
		Subjects:          subjects,
		TopBiomarkers:     top,
		UsedFeatures:      append([]string(nil), ids...),
		FeatureProteinMap: s.names.Subset(ids),
		Strategy:          aligned.Strategy,
	}, nil
}

// ScoreSingle scores one subject given as ordered identifier/value pairs.
func (s *Service) ScoreSingle(pairs []features.Pair) (*ScoredSubject, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no feature values supplied", ml.ErrEmptyInput)
	}
	res, err := s.ScoreBatch(features.TableFromPairs(pairs))
	if err != nil {
		return nil, err
	}
	return &res.Subjects[0], nil
}

// ScoreValues scores one subject given as an unordered map. Schema
// identifiers are placed first, in schema order.
func (s *Service) ScoreValues(values map[string]string) (*ScoredSubject, error) {
	return s.ScoreSingle(features.OrderPairs(values, s.schema.IDs))
}

// GlobalFeatureImportance ranks the schema features by model importance.
// topN <= 0 or beyond the width returns all of them.
func (s *Service) GlobalFeatureImportance(topN int) ([]ml.BiomarkerImportance, error) {
	return s.rank(s.schema.IDs, topN)
}

func (s *Service) rank(ids []string, topN int) ([]ml.BiomarkerImportance, error) {
	ranked, err := ml.RankImportances(ids, s.importances, s.names, topN)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		ranked[i].Category = features.Categorize(ranked[i].ProteinName)
	}
	return ranked, nil
}

// Schema returns the ordered feature identifiers.
func (s *Service) Schema() []string {
	return append([]string(nil), s.schema.IDs...)
}

// Importances returns the global importance vector in schema order.
func (s *Service) Importances() []float64 {
	return append([]float64(nil), s.importances...)
}

// ProteinName resolves a feature identifier through the loaded map.
func (s *Service) ProteinName(id string) string {
	return s.names.ProteinName(id)
}

// SampleRow returns one deterministic example subject in schema order with
// values in [0.5, 2.5].
func (s *Service) SampleRow() []features.Pair {
	pairs := make([]features.Pair, len(s.schema.IDs))
	for j, id := range s.schema.IDs {
		v := 0.5 + float64((j*37)%41)/20
		pairs[j] = features.Pair{Name: id, Value: fmt.Sprintf("%.2f", v)}
	}
	return pairs
}

// DriftReport summarizes how far scored inputs have moved from the training
// distribution.
type DriftReport struct {
	Samples int64              `json:"samples"`
	Alerts  []ml.DriftAlert    `json:"alerts"`
	Scores  map[string]float64 `json:"scores"`
}

// Drift reports input drift accumulated over every successfully scored batch.
func (s *Service) Drift() DriftReport {
	alerts := s.drift.DetectDrift()
	if alerts == nil {
		alerts = []ml.DriftAlert{}
	}
	return DriftReport{
		Samples: s.drift.Samples(),
		Alerts:  alerts,
		Scores:  s.drift.GetDriftStatus(),
	}
}

// Info describes the loaded artifacts.
func (s *Service) Info() Info {
	info := Info{
		FeatureCount:    s.opts.Width,
		SchemaSource:    s.schema.Source,
		ProteinMappings: s.names.Len(),
		Trees:           s.trees,
	}
	if !s.modTime.IsZero() {
		info.ModelAgeSeconds = int64(time.Since(s.modTime).Seconds())
	}
	return info
}

func (s *Service) interpret(class int) string {
	if class == 1 {
		return s.opts.PositiveLabel
	}
	return s.opts.NegativeLabel
}

func (s *Service) refreshModelAge() {
	if s.metrics == nil || s.modTime.IsZero() {
		return
	}
	s.metrics.ModelAgeSet(time.Since(s.modTime).Seconds())
}

// wrapInternal keeps schema and internal errors from the scaler and model
// intact and classifies anything else as an internal failure.
func wrapInternal(err error) error {
	if errors.Is(err, ml.ErrSchemaMismatch) || errors.Is(err, ml.ErrInternalScoring) {
		return err
	}
	return fmt.Errorf("%w: %v", ml.ErrInternalScoring, err)
}
