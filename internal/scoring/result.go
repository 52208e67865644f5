package scoring

import "biomarker-risk/internal/ml"

// ScoredSubject is the complete output for one input row.
type ScoredSubject struct {
	SubjectID       int                `json:"subject_id"`
	RawValues       map[string]float64 `json:"features"`
	ScaledValues    []float64          `json:"scaled_values"`
	Probability     float64            `json:"probability"`
	ProbabilityPct  float64            `json:"probability_pct"`
	PredictedClass  int                `json:"prediction"`
	Risk            ml.RiskLabel       `json:"risk_level"`
	Confidence      ml.ConfidenceLabel `json:"confidence"`
	Interpretation  string             `json:"interpretation"`
	TopContributors []ml.Contribution  `json:"top_contributors"`
}

// BatchSummary aggregates a scored batch. Rates are percentages.
type BatchSummary struct {
	TotalSubjects      int     `json:"total_subjects"`
	Positive           int     `json:"positive"`
	Negative           int     `json:"negative"`
	PositiveRate       float64 `json:"positive_rate"`
	AverageProbability float64 `json:"average_probability"`
}

// BatchResult is returned by ScoreBatch. Subjects keep input row order.
type BatchResult struct {
	Message           string                   `json:"message"`
	Summary           BatchSummary             `json:"summary"`
	Subjects          []ScoredSubject          `json:"subjects"`
	TopBiomarkers     []ml.BiomarkerImportance `json:"top_biomarkers"`
	UsedFeatures      []string                 `json:"used_features"`
	FeatureProteinMap map[string]string        `json:"feature_protein_map"`
	Strategy          string                   `json:"selection_strategy"`
}

// Info describes the loaded artifacts.
type Info struct {
	FeatureCount    int    `json:"feature_count"`
	SchemaSource    string `json:"schema_source"`
	ProteinMappings int    `json:"protein_mappings"`
	Trees           int    `json:"trees,omitempty"`
	ModelAgeSeconds int64  `json:"model_age_seconds,omitempty"`
}

func summarize(subjects []ScoredSubject) BatchSummary {
	s := BatchSummary{TotalSubjects: len(subjects)}
	if len(subjects) == 0 {
		return s
	}
	sum := 0.0
	for _, sub := range subjects {
		if sub.PredictedClass == 1 {
			s.Positive++
		}
		sum += sub.Probability
	}
	s.Negative = s.TotalSubjects - s.Positive
	s.PositiveRate = float64(s.Positive) / float64(s.TotalSubjects) * 100
	s.AverageProbability = sum / float64(s.TotalSubjects) * 100
	return s
}
