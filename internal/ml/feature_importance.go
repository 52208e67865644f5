package ml

import (
	"fmt"
	"sort"
)

// BiomarkerImportance is one entry of the global, subject-independent
// importance ranking.
type BiomarkerImportance struct {
	Rank          int     `json:"rank"`
	FeatureID     string  `json:"feature"`
	ProteinName   string  `json:"protein_name"`
	DisplayName   string  `json:"display_name"`
	Importance    float64 `json:"importance"`
	ImportancePct float64 `json:"importance_pct"`
	Category      string  `json:"category,omitempty"`
}

// RankImportances orders features by global importance, highest first, with
// ties broken by ascending feature index. ImportancePct is each weight as a
// percentage of the total over all features, so a truncated list sums to at
// most 100. topN <= 0 returns every feature.
func RankImportances(ids []string, importances []float64, names NameResolver, topN int) ([]BiomarkerImportance, error) {
	if len(ids) != len(importances) {
		return nil, fmt.Errorf("%w: %d feature ids for %d importances", ErrInternalScoring, len(ids), len(importances))
	}

	total := 0.0
	for _, w := range importances {
		total += w
	}

	order := make([]int, len(importances))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return importances[order[a]] > importances[order[b]]
	})

	if topN <= 0 || topN > len(order) {
		topN = len(order)
	}

	ranked := make([]BiomarkerImportance, topN)
	for r, idx := range order[:topN] {
		id := ids[idx]
		protein := proteinName(names, id)
		pct := 0.0
		if total > 0 {
			pct = importances[idx] / total * 100
		}
		ranked[r] = BiomarkerImportance{
			Rank:          r + 1,
			FeatureID:     id,
			ProteinName:   protein,
			DisplayName:   DisplayName(protein, id),
			Importance:    importances[idx],
			ImportancePct: pct,
		}
	}
	return ranked, nil
}
