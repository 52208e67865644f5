package ml

import (
	"fmt"
	"math"
	"sort"
)

// DefaultTopContributors is the number of contributors reported per subject.
const DefaultTopContributors = 5

// Contribution is one feature's signed influence on one subject's score.
//
// The score is scaled_value * global_importance: a cheap linear proxy that
// is reproducible across runs. It is not an additive attribution; the
// contributions of a subject do not sum to the model output.
type Contribution struct {
	FeatureID    string  `json:"feature"`
	ProteinName  string  `json:"protein_name"`
	DisplayName  string  `json:"display_name"`
	RawValue     float64 `json:"value"`
	ScaledValue  float64 `json:"scaled_value"`
	Contribution float64 `json:"contribution"`
	Importance   float64 `json:"importance"`
}

// DisplayName formats a biomarker for presentation. When no protein name is
// known the identifier is shown on its own.
func DisplayName(protein, featureID string) string {
	if protein == "" || protein == featureID {
		return featureID
	}
	return fmt.Sprintf("%s (%s)", protein, featureID)
}

func proteinName(names NameResolver, id string) string {
	if names == nil {
		return id
	}
	if n := names.ProteinName(id); n != "" {
		return n
	}
	return id
}

// RankContributions scores every feature of one subject and returns the k
// entries with the largest absolute contribution. Ties keep feature order.
func RankContributions(ids []string, raw, scaled, importances []float64, names NameResolver, k int) ([]Contribution, error) {
	n := len(ids)
	if len(raw) != n || len(scaled) != n || len(importances) != n {
		return nil, fmt.Errorf("%w: contribution inputs disagree on width (ids %d, raw %d, scaled %d, importances %d)",
			ErrInternalScoring, n, len(raw), len(scaled), len(importances))
	}

	all := make([]Contribution, n)
	for j, id := range ids {
		protein := proteinName(names, id)
		all[j] = Contribution{
			FeatureID:    id,
			ProteinName:  protein,
			DisplayName:  DisplayName(protein, id),
			RawValue:     raw[j],
			ScaledValue:  scaled[j],
			Contribution: scaled[j] * importances[j],
			Importance:   importances[j],
		}
	}

	sort.SliceStable(all, func(a, b int) bool {
		return math.Abs(all[a].Contribution) > math.Abs(all[b].Contribution)
	})

	if k < 0 || k > n {
		k = n
	}
	return all[:k:k], nil
}
