package scoring

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"biomarker-risk/internal/cfg"
	"biomarker-risk/internal/features"
	"biomarker-risk/internal/ml"
)

const fixtureWidth = 50

func fixtureSettings(t *testing.T) cfg.Settings {
	t.Helper()
	paths, err := ml.WriteFixtureArtifacts(t.TempDir(), fixtureWidth)
	require.NoError(t, err)
	return cfg.Settings{
		ModelPath:        paths.Model,
		ScalerPath:       paths.Scaler,
		ProteinMapPath:   paths.ProteinMap,
		FeaturePrefix:    "seq_",
		FeatureCount:     fixtureWidth,
		TruncationPolicy: features.TruncateFirst,
		ImportanceType:   ml.ImportanceSplit,
		PositiveLabel:    "Parkinson's Disease",
		NegativeLabel:    "Healthy",
	}
}

func newFixtureService(t *testing.T, mutate ...func(*cfg.Settings)) (*Service, *ml.MockMetrics) {
	t.Helper()
	settings := fixtureSettings(t)
	for _, m := range mutate {
		m(&settings)
	}
	metrics := &ml.MockMetrics{}
	svc, err := Load(settings, metrics)
	require.NoError(t, err)
	return svc, metrics
}

// fixtureTable builds one row per value, every biomarker set to that value.
func fixtureTable(width int, values ...string) features.Table {
	t := features.Table{Columns: append([]string{"sample"}, ml.FixtureFeatureIDs(width)...)}
	for i, v := range values {
		row := make([]string, width+1)
		row[0] = fmt.Sprintf("S%d", i)
		for j := 1; j <= width; j++ {
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func TestScoreBatch_IdenticalRows(t *testing.T) {
	svc, metrics := newFixtureService(t)

	res, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "1.0", "1.0", "1.0"))
	require.NoError(t, err)

	require.Len(t, res.Subjects, 3)
	first := res.Subjects[0]
	for i, sub := range res.Subjects {
		assert.Equal(t, i+1, sub.SubjectID)
		assert.Equal(t, first.Probability, sub.Probability)
		assert.GreaterOrEqual(t, sub.Probability, 0.0)
		assert.LessOrEqual(t, sub.Probability, 1.0)
		assert.InDelta(t, sub.Probability*100, sub.ProbabilityPct, 1e-9)
		assert.Len(t, sub.TopContributors, 5)
		for k := 1; k < len(sub.TopContributors); k++ {
			assert.GreaterOrEqual(t,
				math.Abs(sub.TopContributors[k-1].Contribution),
				math.Abs(sub.TopContributors[k].Contribution))
		}
	}

	// all four stumps but the last route right: -0.3 - 0.25 - 0.2 + 0.1
	assert.InDelta(t, 1/(1+math.Exp(0.65)), first.Probability, 1e-9)
	assert.Equal(t, 0, first.PredictedClass)
	assert.Equal(t, ml.RiskModerate, first.Risk)
	assert.Equal(t, ml.ConfidenceMedium, first.Confidence)
	assert.Equal(t, "Healthy", first.Interpretation)

	rate := res.Summary.PositiveRate
	assert.True(t, rate == 0 || rate == 100, "identical subjects must share a class, got rate %v", rate)
	assert.Equal(t, 3, res.Summary.TotalSubjects)
	assert.Equal(t, 0, res.Summary.Positive)
	assert.Equal(t, 3, res.Summary.Negative)
	assert.InDelta(t, first.Probability*100, res.Summary.AverageProbability, 1e-9)
	assert.Equal(t, "Analyzed 3 subjects", res.Message)

	assert.Equal(t, ml.FixtureFeatureIDs(fixtureWidth), res.UsedFeatures)
	assert.Equal(t, "PROT0", res.FeatureProteinMap[ml.FixtureFeatureID(0)])
	assert.Equal(t, "prefix", res.Strategy)
	assert.Len(t, res.TopBiomarkers, DefaultTopBiomarkers)

	assert.Equal(t, 1, metrics.Batches())
	assert.Equal(t, 3, metrics.Subjects())
}

func TestScoreBatch_MixedClassesKeepRowOrder(t *testing.T) {
	svc, _ := newFixtureService(t)

	res, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "1.0", "0", "1.0"))
	require.NoError(t, err)

	// all-zero input routes every stump left: 0.4 + 0.3 + 0.2 + 0.1
	pos := res.Subjects[1]
	assert.InDelta(t, 1/(1+math.Exp(-1.0)), pos.Probability, 1e-9)
	assert.Equal(t, 1, pos.PredictedClass)
	assert.Equal(t, ml.RiskVeryHigh, pos.Risk)
	assert.Equal(t, "Parkinson's Disease", pos.Interpretation)
	assert.Equal(t, 0.0, pos.RawValues[ml.FixtureFeatureID(3)])

	assert.Equal(t, 0, res.Subjects[0].PredictedClass)
	assert.Equal(t, 0, res.Subjects[2].PredictedClass)
	assert.Equal(t, 1, res.Summary.Positive)
	assert.InDelta(t, 100.0/3, res.Summary.PositiveRate, 1e-9)

	// each row scores as it would alone
	for i, v := range []string{"1.0", "0", "1.0"} {
		single, err := svc.ScoreBatch(fixtureTable(fixtureWidth, v))
		require.NoError(t, err)
		assert.Equal(t, single.Subjects[0].Probability, res.Subjects[i].Probability)
	}
}

func TestScoreBatch_Idempotent(t *testing.T) {
	svc, _ := newFixtureService(t)
	tbl := fixtureTable(fixtureWidth, "0.8", "1.3", "2.1")

	first, err := svc.ScoreBatch(tbl)
	require.NoError(t, err)
	second, err := svc.ScoreBatch(tbl)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestScoreBatch_Failures(t *testing.T) {
	tests := []struct {
		name       string
		table      features.Table
		truncation string
		sentinel   error
		kind       string
	}{
		{
			name:     "too few columns",
			table:    fixtureTable(49, "1.0", "1.0", "1.0"),
			sentinel: ml.ErrSchemaMismatch,
			kind:     ml.KindSchemaMismatch,
		},
		{
			name:       "too many columns rejected",
			table:      fixtureTable(51, "1.0"),
			truncation: features.TruncateReject,
			sentinel:   ml.ErrSchemaMismatch,
			kind:       ml.KindSchemaMismatch,
		},
		{
			name:     "empty table",
			table:    features.Table{Columns: ml.FixtureFeatureIDs(fixtureWidth)},
			sentinel: ml.ErrEmptyInput,
			kind:     ml.KindEmptyInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, metrics := newFixtureService(t, func(s *cfg.Settings) {
				if tt.truncation != "" {
					s.TruncationPolicy = tt.truncation
				}
			})

			res, err := svc.ScoreBatch(tt.table)
			assert.Nil(t, res)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, 1, metrics.Failures(tt.kind))
			assert.Equal(t, 0, metrics.Batches())
		})
	}
}

func TestScoreBatch_ExtraColumnsTruncated(t *testing.T) {
	svc, _ := newFixtureService(t)

	res, err := svc.ScoreBatch(fixtureTable(51, "1.0"))
	require.NoError(t, err)
	assert.Len(t, res.UsedFeatures, fixtureWidth)
}

func TestScoreBatch_NonNumericColumn(t *testing.T) {
	svc, _ := newFixtureService(t)
	tbl := fixtureTable(fixtureWidth, "1.0", "1.0")
	tbl.Rows[1][8] = "high"

	_, err := svc.ScoreBatch(tbl)
	require.Error(t, err)
	assert.ErrorIs(t, err, ml.ErrInvalidFeatureValue)
	assert.Contains(t, err.Error(), ml.FixtureFeatureID(7))
}

func TestGlobalFeatureImportance(t *testing.T) {
	svc, _ := newFixtureService(t)

	top, err := svc.GlobalFeatureImportance(10)
	require.NoError(t, err)
	require.Len(t, top, 10)

	// 37*27 mod 50 == 49, the largest fixture weight
	assert.Equal(t, ml.FixtureFeatureID(27), top[0].FeatureID)
	assert.Equal(t, "PROT27", top[0].ProteinName)
	assert.Equal(t, "PROT27 ("+ml.FixtureFeatureID(27)+")", top[0].DisplayName)
	assert.Equal(t, "General", top[0].Category)

	sum := 0.0
	for i, b := range top {
		assert.Equal(t, i+1, b.Rank)
		sum += b.ImportancePct
	}
	assert.LessOrEqual(t, sum, 100.0)

	all, err := svc.GlobalFeatureImportance(0)
	require.NoError(t, err)
	assert.Len(t, all, fixtureWidth)

	again, err := svc.GlobalFeatureImportance(10)
	require.NoError(t, err)
	assert.Equal(t, top, again)
}

func TestScoreValues(t *testing.T) {
	svc, _ := newFixtureService(t)

	values := make(map[string]string, fixtureWidth)
	for _, id := range svc.Schema() {
		values[id] = "1.0"
	}
	sub, err := svc.ScoreValues(values)
	require.NoError(t, err)

	batch, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "1.0"))
	require.NoError(t, err)
	assert.Equal(t, batch.Subjects[0].Probability, sub.Probability)
	assert.Equal(t, 1, sub.SubjectID)

	_, err = svc.ScoreSingle(nil)
	assert.ErrorIs(t, err, ml.ErrEmptyInput)
}

func TestSampleRow(t *testing.T) {
	svc, _ := newFixtureService(t)

	sample := svc.SampleRow()
	require.Len(t, sample, fixtureWidth)
	assert.Equal(t, svc.Schema()[0], sample[0].Name)
	assert.Equal(t, sample, svc.SampleRow())

	sub, err := svc.ScoreSingle(sample)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sub.Probability, 0.0)
}

func TestInfo(t *testing.T) {
	svc, _ := newFixtureService(t)

	info := svc.Info()
	assert.Equal(t, fixtureWidth, info.FeatureCount)
	assert.Equal(t, "protein_map", info.SchemaSource)
	assert.Equal(t, fixtureWidth, info.ProteinMappings)
	assert.Equal(t, 4, info.Trees)
}

func TestLoad_ArtifactFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cfg.Settings)
	}{
		{"missing model", func(s *cfg.Settings) { s.ModelPath += ".missing" }},
		{"missing scaler", func(s *cfg.Settings) { s.ScalerPath += ".missing" }},
		{"missing protein map", func(s *cfg.Settings) { s.ProteinMapPath += ".missing" }},
		{"model width differs", func(s *cfg.Settings) { s.FeatureCount = 40 }},
		{"expected features differ", func(s *cfg.Settings) { s.ExpectedFeatures = []string{"seq_a"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := fixtureSettings(t)
			tt.mutate(&settings)

			_, err := Load(settings, nil)
			assert.ErrorIs(t, err, ml.ErrArtifactLoad)
		})
	}
}

func TestLoad_WithoutProteinMap(t *testing.T) {
	svc, _ := newFixtureService(t, func(s *cfg.Settings) { s.ProteinMapPath = "" })

	// model feature names take over the schema, names fall back to ids
	assert.Equal(t, "model", svc.Info().SchemaSource)
	top, err := svc.GlobalFeatureImportance(1)
	require.NoError(t, err)
	assert.Equal(t, top[0].FeatureID, top[0].ProteinName)
	assert.Equal(t, top[0].FeatureID, top[0].DisplayName)
}

type stubClassifier struct {
	width int
	probs func(rows int) ([]float64, error)
}

func (s *stubClassifier) PredictProba(x *mat.Dense) ([]float64, error) {
	r, _ := x.Dims()
	return s.probs(r)
}

func (s *stubClassifier) Importances() []float64 { return make([]float64, s.width) }
func (s *stubClassifier) Width() int             { return s.width }

func stubService(t *testing.T, probs func(rows int) ([]float64, error)) (*Service, *ml.MockMetrics) {
	t.Helper()
	art := ml.FixtureScaler(fixtureWidth)
	scaler, err := ml.NewScaler(art.Mean, art.Scale, art.FeatureNamesIn)
	require.NoError(t, err)

	metrics := &ml.MockMetrics{}
	svc, err := New(&stubClassifier{width: fixtureWidth, probs: probs}, scaler, nil, Options{}, metrics)
	require.NoError(t, err)
	return svc, metrics
}

func TestScoreBatch_InternalFailures(t *testing.T) {
	tests := []struct {
		name  string
		probs func(rows int) ([]float64, error)
	}{
		{"model error", func(int) ([]float64, error) { return nil, errors.New("booster crashed") }},
		{"wrong length", func(rows int) ([]float64, error) { return make([]float64, rows+1), nil }},
		{"nan probability", func(rows int) ([]float64, error) {
			out := make([]float64, rows)
			out[0] = math.NaN()
			return out, nil
		}},
		{"out of range", func(rows int) ([]float64, error) {
			out := make([]float64, rows)
			out[0] = 1.5
			return out, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, metrics := stubService(t, tt.probs)

			_, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "1", "2"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ml.ErrInternalScoring)
			assert.False(t, ml.IsClientError(err))
			assert.Equal(t, 1, metrics.Failures(ml.KindInternalScoring))
		})
	}
}

func TestScoreBatch_ExactDecisionThreshold(t *testing.T) {
	svc, _ := stubService(t, func(rows int) ([]float64, error) {
		out := make([]float64, rows)
		for i := range out {
			out[i] = 0.5
		}
		return out, nil
	})

	res, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "1"))
	require.NoError(t, err)
	sub := res.Subjects[0]
	assert.Equal(t, 1, sub.PredictedClass)
	assert.Equal(t, ml.RiskModerate, sub.Risk)
	assert.Equal(t, ml.ConfidenceLow, sub.Confidence)
	assert.Equal(t, "scaler", svc.Info().SchemaSource)
}

func TestNew_WidthDisagreement(t *testing.T) {
	scaler, err := ml.NewScaler([]float64{0, 0}, []float64{1, 1}, nil)
	require.NoError(t, err)

	_, err = New(&stubClassifier{width: 3}, scaler, nil, Options{}, nil)
	assert.ErrorIs(t, err, ml.ErrArtifactLoad)
}

func TestService_ConcurrentBatches(t *testing.T) {
	svc, _ := newFixtureService(t)
	want, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "0.5", "1.5"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mismatches atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				got, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "0.5", "1.5"))
				if err != nil || got.Subjects[0].Probability != want.Subjects[0].Probability {
					mismatches.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, mismatches.Load())
}

func TestProvider_BuildsOnce(t *testing.T) {
	settings := fixtureSettings(t)
	var builds atomic.Int32
	p := NewProvider(func() (*Service, error) {
		builds.Add(1)
		return Load(settings, nil)
	})

	var wg sync.WaitGroup
	services := make([]*Service, 10)
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc, err := p.Get()
			assert.NoError(t, err)
			services[i] = svc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, svc := range services {
		assert.Same(t, services[0], svc)
	}
}

func TestProvider_RemembersFailure(t *testing.T) {
	calls := 0
	p := NewProvider(func() (*Service, error) {
		calls++
		return nil, ml.ErrArtifactLoad
	})

	_, err := p.Get()
	assert.ErrorIs(t, err, ml.ErrArtifactLoad)
	_, err = p.Get()
	assert.ErrorIs(t, err, ml.ErrArtifactLoad)
	assert.Equal(t, 1, calls)
}

func TestNew_GenericSchema(t *testing.T) {
	scaler, err := ml.NewScaler([]float64{0, 0}, []float64{1, 1}, nil)
	require.NoError(t, err)

	svc, err := New(&stubClassifier{width: 2}, scaler, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Feature_0", "Feature_1"}, svc.Schema())
	assert.Equal(t, "generic", svc.Info().SchemaSource)
}

func TestDrift_AccumulatesSuccessfulBatches(t *testing.T) {
	svc, _ := newFixtureService(t)

	report := svc.Drift()
	assert.Zero(t, report.Samples)
	assert.Empty(t, report.Alerts)

	_, err := svc.ScoreBatch(fixtureTable(fixtureWidth, "oops"))
	require.Error(t, err)
	assert.Zero(t, svc.Drift().Samples)

	zeros := make([]string, 40)
	for i := range zeros {
		zeros[i] = "0"
	}
	_, err = svc.ScoreBatch(fixtureTable(fixtureWidth, zeros...))
	require.NoError(t, err)

	report = svc.Drift()
	assert.Equal(t, int64(40), report.Samples)
	require.Len(t, report.Alerts, fixtureWidth)
	assert.Equal(t, "high", report.Alerts[0].Severity)
	assert.Len(t, report.Scores, fixtureWidth)
}
