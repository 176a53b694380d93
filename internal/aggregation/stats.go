package aggregation

import (
	"math"
	"sort"

	"github.com/opensource-finance/tracex/internal/domain"
)

// intervals returns the positive gaps between sorted positive timestamps.
func intervals(txs []*domain.Transaction) []float64 {
	ts := make([]int64, 0, len(txs))
	for _, tx := range txs {
		if t := tx.Unix(); t > 0 {
			ts = append(ts, t)
		}
	}
	if len(ts) < 2 {
		return nil
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	gaps := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		if d := ts[i] - ts[i-1]; d > 0 {
			gaps = append(gaps, float64(d))
		}
	}
	return gaps
}

// InterarrivalStd returns the sample standard deviation of the positive gaps
// between transactions. It needs at least two gaps.
func InterarrivalStd(txs []*domain.Transaction) (float64, bool) {
	gaps := intervals(txs)
	if len(gaps) < 2 {
		return 0, false
	}
	mean := meanOf(gaps)
	var ss float64
	for _, g := range gaps {
		ss += (g - mean) * (g - mean)
	}
	return math.Sqrt(ss / float64(len(gaps)-1)), true
}

// InterarrivalMean returns the mean positive gap. It needs at least one gap.
func InterarrivalMean(txs []*domain.Transaction) (float64, bool) {
	gaps := intervals(txs)
	if len(gaps) == 0 {
		return 0, false
	}
	return meanOf(gaps), true
}

// CheckPrerequisites reports whether txs holds at least minEdges transactions.
func CheckPrerequisites(txs []*domain.Transaction, minEdges int) bool {
	return len(txs) >= minEdges
}

func meanOf(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
