package graph

import (
	"math"
	"sort"

	"github.com/opensource-finance/tracex/internal/domain"
)

// Temporal is the timing and amount profile of an address's transactions.
type Temporal struct {
	NTS      float64 `json:"nts"`
	NWS      float64 `json:"nws"`
	Combined float64 `json:"combined_score"`
	Level    string  `json:"risk_level"`
}

// TemporalProfile scores irregular timing (NTS) and skewed or volatile
// amounts (NWS) and blends them evenly.
func TemporalProfile(txs []*domain.Transaction) Temporal {
	t := Temporal{NTS: nodeTemporalScore(txs), NWS: nodeWeightScore(txs)}
	t.Combined = 0.5*t.NTS + 0.5*t.NWS
	switch {
	case t.Combined >= 0.7:
		t.Level = "high"
	case t.Combined >= 0.4:
		t.Level = "medium"
	default:
		t.Level = "low"
	}
	return t
}

// nodeTemporalScore is min(1, CV/2) over every gap between sorted known
// timestamps, zero gaps included.
func nodeTemporalScore(txs []*domain.Transaction) float64 {
	var ts []float64
	for _, tx := range txs {
		if u := tx.Unix(); u > 0 {
			ts = append(ts, float64(u))
		}
	}
	if len(ts) < 2 {
		return 0
	}
	sort.Float64s(ts)
	gaps := make([]float64, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		gaps[i-1] = ts[i] - ts[i-1]
	}
	m := mean(gaps)
	if m <= 0 {
		return 0
	}
	return math.Min(1, sampleStd(gaps)/m/2)
}

func nodeWeightScore(txs []*domain.Transaction) float64 {
	var amounts []float64
	for _, tx := range txs {
		if v := tx.USD(); v > 0 {
			amounts = append(amounts, v)
		}
	}
	if len(amounts) == 0 {
		return 0
	}
	m := mean(amounts)
	var asym float64
	if med := median(amounts); med > 0 {
		if ratio := m / med; ratio > 1 {
			asym = math.Min(1, (ratio-1)/2)
		}
	}
	var variability float64
	if m > 0 {
		variability = math.Min(1, sampleStd(amounts)/m/2)
	}
	return (asym + variability) / 2
}

func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func median(xs []float64) float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
