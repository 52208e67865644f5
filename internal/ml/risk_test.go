package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStratify_Boundaries(t *testing.T) {
	tests := []struct {
		name       string
		p          float64
		class      int
		risk       RiskLabel
		confidence ConfidenceLabel
	}{
		{"zero", 0.0, 0, RiskLow, ConfidenceHigh},
		{"just below low bound", 0.2999, 0, RiskLow, ConfidenceMedium},
		{"low bound", 0.3, 0, RiskModerate, ConfidenceMedium},
		{"moderate", 0.42, 0, RiskModerate, ConfidenceLow},
		{"decision threshold", 0.5, 1, RiskModerate, ConfidenceLow},
		{"just above threshold", 0.5001, 1, RiskHigh, ConfidenceLow},
		{"high", 0.66, 1, RiskHigh, ConfidenceMedium},
		{"very high bound", 0.7, 1, RiskVeryHigh, ConfidenceMedium},
		{"very high", 0.95, 1, RiskVeryHigh, ConfidenceHigh},
		{"one", 1.0, 1, RiskVeryHigh, ConfidenceHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Stratify(tt.p)
			assert.Equal(t, tt.class, a.PredictedClass)
			assert.Equal(t, tt.risk, a.Risk)
			assert.Equal(t, tt.confidence, a.Confidence)
		})
	}
}

func TestPredictedClass_Threshold(t *testing.T) {
	assert.Equal(t, 0, PredictedClass(0.4999999))
	assert.Equal(t, 1, PredictedClass(0.5))
}

func TestConfidence_Grades(t *testing.T) {
	assert.Equal(t, ConfidenceLow, Confidence(0.6))
	assert.Equal(t, ConfidenceLow, Confidence(0.4))
	assert.Equal(t, ConfidenceMedium, Confidence(0.75))
	assert.Equal(t, ConfidenceMedium, Confidence(0.21))
	assert.Equal(t, ConfidenceHigh, Confidence(0.85))
	assert.Equal(t, ConfidenceHigh, Confidence(0.1))
}

func TestRiskLevel_Monotonic(t *testing.T) {
	prev := RiskLevel(0).Tier()
	for i := 1; i <= 10000; i++ {
		p := float64(i) / 10000
		tier := RiskLevel(p).Tier()
		if tier < prev {
			t.Fatalf("risk tier decreased at p=%v: %d -> %d", p, prev, tier)
		}
		prev = tier
	}
	assert.Equal(t, 3, prev)
}

func TestRiskLabel_TierUnknown(t *testing.T) {
	assert.Equal(t, -1, RiskLabel("Extreme").Tier())
}
