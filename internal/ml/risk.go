package ml

import "math"

// RiskLabel is the ordinal risk tier derived from a probability.
type RiskLabel string

const (
	RiskLow      RiskLabel = "Low"
	RiskModerate RiskLabel = "Moderate"
	RiskHigh     RiskLabel = "High"
	RiskVeryHigh RiskLabel = "Very High"
)

// ConfidenceLabel describes how far a probability sits from the decision
// boundary.
type ConfidenceLabel string

const (
	ConfidenceLow    ConfidenceLabel = "Low"
	ConfidenceMedium ConfidenceLabel = "Medium"
	ConfidenceHigh   ConfidenceLabel = "High"
)

// Fixed stratification thresholds.
const (
	DecisionThreshold = 0.5

	lowUpperBound      = 0.3
	moderateUpperBound = 0.5
	highUpperBound     = 0.7

	highConfidenceDelta   = 0.3
	mediumConfidenceDelta = 0.15
)

// Assessment is the discrete reading of one probability.
type Assessment struct {
	PredictedClass int             `json:"prediction"`
	Risk           RiskLabel       `json:"risk_level"`
	Confidence     ConfidenceLabel `json:"confidence"`
}

// PredictedClass is 1 iff p >= 0.5.
func PredictedClass(p float64) int {
	if p >= DecisionThreshold {
		return 1
	}
	return 0
}

// RiskLevel maps p onto the risk tiers. Low and High use exclusive upper
// bounds; the Moderate tier includes the decision threshold itself, so a
// subject at exactly 0.5 is classified positive yet labelled Moderate.
// Consumers read the class and the label independently.
func RiskLevel(p float64) RiskLabel {
	switch {
	case p < lowUpperBound:
		return RiskLow
	case p <= moderateUpperBound:
		return RiskModerate
	case p < highUpperBound:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// Confidence grades |p - 0.5|.
func Confidence(p float64) ConfidenceLabel {
	delta := math.Abs(p - DecisionThreshold)
	switch {
	case delta > highConfidenceDelta:
		return ConfidenceHigh
	case delta > mediumConfidenceDelta:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Stratify applies all three classifications to p.
func Stratify(p float64) Assessment {
	return Assessment{
		PredictedClass: PredictedClass(p),
		Risk:           RiskLevel(p),
		Confidence:     Confidence(p),
	}
}

// Tier returns the ordinal position of a risk label, 0 for Low up to 3 for
// Very High, and -1 for unknown labels.
func (r RiskLabel) Tier() int {
	switch r {
	case RiskLow:
		return 0
	case RiskModerate:
		return 1
	case RiskHigh:
		return 2
	case RiskVeryHigh:
		return 3
	}
	return -1
}
