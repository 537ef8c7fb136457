package estimation

import "sort"

// Score computes one unit's complexity:
//
//	(api + data + branches + 2*entities) * novelty
func Score(u SemanticUnit) float64 {
	base := u.APIInteractions + u.DataTransformations + u.LogicalBranches + 2*u.CodeEntitiesModified
	return float64(base) * u.NoveltyMultiplier
}

// Estimate sums unit scores. Scores are summed in sorted order so the result
// is bit-identical for any permutation of units.
func Estimate(units []SemanticUnit) float64 {
	scores := make([]float64, len(units))
	for i, u := range units {
		scores[i] = Score(u)
	}
	sort.Float64s(scores)
	var total float64
	for _, s := range scores {
		total += s
	}
	return total
}
