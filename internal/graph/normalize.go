package graph

import (
	"math"
	"strings"

	"github.com/opensource-finance/tracex/internal/domain"
)

const secondsPerDay = 86400.0

// sides splits the values of v's incident edges into incoming and
// outgoing. When either side is empty it falls back to scanning txs
// directly, matching the receiver first.
func (g *Graph) sides(v string, txs []*domain.Transaction,
	fromEdge func(*Edge) []float64, fromTx func(*domain.Transaction) float64) (in, out []float64) {
	for _, e := range g.in[v] {
		in = append(in, fromEdge(e)...)
	}
	for _, e := range g.out[v] {
		out = append(out, fromEdge(e)...)
	}
	if len(in) > 0 && len(out) > 0 {
		return in, out
	}

	in, out = nil, nil
	for _, tx := range txs {
		x := fromTx(tx)
		if x <= 0 {
			continue
		}
		switch v {
		case tx.Receiver():
			in = append(in, x)
		case tx.Sender():
			out = append(out, x)
		}
	}
	return in, out
}

func edgeTimestamps(e *Edge) []float64 {
	var out []float64
	for _, ref := range e.Txs {
		if ref.Timestamp > 0 {
			out = append(out, float64(ref.Timestamp))
		}
	}
	return out
}

func edgeWeight(e *Edge) []float64 {
	if e.Weight > 0 {
		return []float64{e.Weight}
	}
	return nil
}

// NormalizeTimestamp scores how tightly v's outflows follow its inflows
// in time. 1 means the mean incoming and outgoing timestamps coincide;
// 0 means they are far apart relative to their spread, or that v lacks
// one of the two sides.
func (g *Graph) NormalizeTimestamp(v string, txs []*domain.Transaction) float64 {
	v = strings.ToLower(v)
	if !g.HasNode(v) {
		return 0
	}
	in, out := g.sides(v, txs, edgeTimestamps, func(tx *domain.Transaction) float64 {
		return float64(tx.Unix())
	})
	if len(in) == 0 || len(out) == 0 {
		return 0
	}

	spread := spreadOf(in) + spreadOf(out)
	diff := math.Abs(mean(out) - mean(in))
	var x float64
	if spread > 0 {
		x = diff / (spread + 1)
	} else {
		x = math.Min(1, diff/secondsPerDay)
	}
	return 1 - math.Min(1, x)
}

// NormalizeWeight scores the imbalance between v's incoming and outgoing
// value: the average of the total-share imbalance and the
// average-magnitude imbalance, capped at 1.
func (g *Graph) NormalizeWeight(v string, txs []*domain.Transaction) float64 {
	v = strings.ToLower(v)
	if !g.HasNode(v) {
		return 0
	}
	in, out := g.sides(v, txs, edgeWeight, func(tx *domain.Transaction) float64 {
		return tx.Amount()
	})
	if len(in) == 0 || len(out) == 0 {
		return 0
	}

	totalIn, totalOut := sum(in), sum(out)
	var imbalance float64
	if t := totalIn + totalOut; t > 0 {
		imbalance = math.Abs(totalIn/t - totalOut/t)
	}
	avgIn, avgOut := mean(in), mean(out)
	var avgImbalance float64
	if t := avgIn + avgOut; t > 0 {
		avgImbalance = math.Abs(avgIn-avgOut) / t
	}
	return math.Min(1, (imbalance+avgImbalance)/2)
}

// FeatureVector returns (Nθ, Nω) for v.
func (g *Graph) FeatureVector(v string, txs []*domain.Transaction) (nTheta, nOmega float64) {
	return g.NormalizeTimestamp(v, txs), g.NormalizeWeight(v, txs)
}

// MLScore blends exposure, pattern score and the two normalised features
// into a 0-100 score.
func MLScore(exposureTotal, patternScore, nTheta, nOmega float64) float64 {
	score := 0.3*(exposureTotal*100) + 0.4*patternScore + 0.15*(nTheta*20) + 0.15*(nOmega*20)
	return math.Min(100, score)
}

func spreadOf(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return hi - lo
}

func sum(xs []float64) float64 {
	var t float64
	for _, x := range xs {
		t += x
	}
	return t
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}
