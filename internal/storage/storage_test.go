package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biomarker-risk/internal/ml"
	"biomarker-risk/internal/scoring"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult() *scoring.BatchResult {
	return &scoring.BatchResult{
		Summary: scoring.BatchSummary{TotalSubjects: 2, Positive: 1, Negative: 1, PositiveRate: 50, AverageProbability: 52.5},
		Subjects: []scoring.ScoredSubject{
			{SubjectID: 1, Probability: 0.3, PredictedClass: 0, Risk: ml.RiskModerate, Confidence: ml.ConfidenceMedium, Interpretation: "Healthy"},
			{SubjectID: 2, Probability: 0.75, PredictedClass: 1, Risk: ml.RiskVeryHigh, Confidence: ml.ConfidenceMedium, Interpretation: "Parkinson's Disease"},
		},
		TopBiomarkers: []ml.BiomarkerImportance{{Rank: 1, FeatureID: "seq_1", ProteinName: "SNCA", Importance: 12, ImportancePct: 40}},
		UsedFeatures:  []string{"seq_1", "seq_2"},
	}
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	require.NoError(t, err)
	defer store.Close()

	assert.NotNil(t, store.db)
	_, err = os.Stat(filepath.Join(tempDir, "prediction-history.db"))
	assert.NoError(t, err, "database file was not created")
}

func TestNew_InvalidPath(t *testing.T) {
	// a regular file cannot hold the database
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := New(file)
	assert.Error(t, err)
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	// Test closing already closed store
	assert.NoError(t, store.Close())

	assert.NoError(t, (&Store{}).Close())
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord("batch.csv", sampleResult())

	_, err := uuid.Parse(rec.ID)
	assert.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "batch.csv", rec.Filename)
	require.Len(t, rec.Subjects, 2)
	assert.Equal(t, 1, rec.Subjects[1].Prediction)
	assert.Equal(t, ml.RiskVeryHigh, rec.Subjects[1].Risk)
	assert.Equal(t, 50.0, rec.Summary.PositiveRate)
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)

	saved, err := store.Save(NewRecord("batch.csv", sampleResult()))
	require.NoError(t, err)

	got, err := store.Get(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.True(t, saved.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, saved.Subjects, got.Subjects)
	assert.Equal(t, saved.TopBiomarkers, got.TopBiomarkers)

	_, err = store.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveFillsDefaults(t *testing.T) {
	store := newTestStore(t)

	saved, err := store.Save(PredictionRecord{Filename: "x.csv"})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())

	_, err = store.Save(saved)
	assert.Error(t, err, "duplicate ids must be rejected")
}

func TestStore_ListNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := NewRecord("batch.csv", sampleResult())
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		saved, err := store.Save(rec)
		require.NoError(t, err)
		ids = append(ids, saved.ID)
	}

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		assert.Equal(t, ids[4-i], rec.ID)
	}

	latest, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, ids[4], latest[0].ID)
	assert.Equal(t, ids[3], latest[1].ID)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	saved, err := store.Save(NewRecord("", sampleResult()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = New(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.Summary, got.Summary)
}
