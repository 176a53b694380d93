package rules

import (
	"sort"

	"github.com/opensource-finance/tracex/internal/domain"
)

// AxisSummary groups fired rules by axis (C compliance, E exposure,
// B behaviour) and sums their scores. Axes are returned sorted.
func AxisSummary(fired []domain.FiredRule) []domain.AxisScore {
	byAxis := make(map[string]*domain.AxisScore)
	for _, f := range fired {
		axis := f.Axis
		if axis == "" {
			axis = domain.DefaultAxis
		}
		r, ok := byAxis[axis]
		if !ok {
			r = &domain.AxisScore{Axis: axis, Contributions: []domain.RuleContribution{}}
			byAxis[axis] = r
		}
		r.Score += f.Score
		r.Count++
		r.Contributions = append(r.Contributions, domain.RuleContribution{RuleID: f.RuleID, Score: f.Score})
	}

	results := make([]domain.AxisScore, 0, len(byAxis))
	for _, r := range byAxis {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Axis < results[j].Axis })
	return results
}
