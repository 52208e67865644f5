// Package storage persists scored batches so past predictions can be listed
// and fetched again. It uses BoltDB as the underlying storage engine.
//
// Records are keyed by creation time so a reverse cursor scan yields the
// newest batches first; a second bucket maps record ids to those keys.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"biomarker-risk/internal/ml"
	"biomarker-risk/internal/scoring"
)

const (
	dbFileName        = "prediction-history.db"
	predictionsBucket = "predictions" // time-ordered prediction records
	indexBucket       = "prediction_ids"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("prediction not found")

// SubjectRecord is the persisted subset of a scored subject.
type SubjectRecord struct {
	SubjectID      int                `json:"subject_id"`
	Probability    float64            `json:"probability"`
	Prediction     int                `json:"prediction"`
	Risk           ml.RiskLabel       `json:"risk_level"`
	Confidence     ml.ConfidenceLabel `json:"confidence"`
	Interpretation string             `json:"interpretation"`
}

// PredictionRecord is one scored batch.
type PredictionRecord struct {
	ID            string                   `json:"id"`
	CreatedAt     time.Time                `json:"created_at"`
	Filename      string                   `json:"filename,omitempty"`
	Summary       scoring.BatchSummary     `json:"summary"`
	Subjects      []SubjectRecord          `json:"subjects"`
	TopBiomarkers []ml.BiomarkerImportance `json:"top_biomarkers"`
	UsedFeatures  []string                 `json:"used_features"`
}

// NewRecord captures res under a fresh id.
func NewRecord(filename string, res *scoring.BatchResult) PredictionRecord {
	rec := PredictionRecord{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Filename:      filename,
		Summary:       res.Summary,
		Subjects:      make([]SubjectRecord, len(res.Subjects)),
		TopBiomarkers: res.TopBiomarkers,
		UsedFeatures:  res.UsedFeatures,
	}
	for i, s := range res.Subjects {
		rec.Subjects[i] = SubjectRecord{
			SubjectID:      s.SubjectID,
			Probability:    s.Probability,
			Prediction:     s.PredictedClass,
			Risk:           s.Risk,
			Confidence:     s.Confidence,
			Interpretation: s.Interpretation,
		}
	}
	return rec
}

// Store provides persistent prediction history using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens (or creates) the history database inside dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFileName)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucket)); err != nil {
			return fmt.Errorf("create index bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func recordKey(rec PredictionRecord) []byte {
	return []byte(fmt.Sprintf("%020d_%s", rec.CreatedAt.UnixNano(), rec.ID))
}

// Save stores rec. Missing ids and timestamps are filled in; the stored
// record is returned.
func (s *Store) Save(rec PredictionRecord) (PredictionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket([]byte(indexBucket))
		if idx.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("prediction %s already exists", rec.ID)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}

		key := recordKey(rec)
		if err := tx.Bucket([]byte(predictionsBucket)).Put(key, data); err != nil {
			return err
		}
		return idx.Put([]byte(rec.ID), key)
	})
	if err != nil {
		return PredictionRecord{}, err
	}
	return rec, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(id string) (PredictionRecord, error) {
	var rec PredictionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(indexBucket)).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket([]byte(predictionsBucket)).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]PredictionRecord, error) {
	var records []PredictionRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(predictionsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
