package topology

import (
	"context"
	"math"

	"github.com/opensource-finance/tracex/internal/graph"
)

// ctxCheckEvery is how many expansions run between context checks.
const ctxCheckEvery = 256

type layeringParams struct {
	hops     int
	deltaPct float64
	minUSD   float64
}

type frame struct {
	node string
	next int
}

// budget counts expansions against the visit cap.
type budget struct {
	ctx    context.Context
	max    int
	visits int
}

func (b *budget) spend() error {
	b.visits++
	if b.visits > b.max {
		return ErrSearchBudgetExceeded
	}
	if b.visits%ctxCheckEvery == 0 {
		return b.ctx.Err()
	}
	return nil
}

// withinDelta reports whether amount stays within pct percent of base.
func withinDelta(base, amount, pct float64) bool {
	if base == 0 {
		return false
	}
	return math.Abs(amount-base)/base*100 <= pct
}

// findLayering looks for a simple path from start of at least p.hops hops
// where every hop carries at least p.minUSD and stays within p.deltaPct
// of the first hop.
func findLayering(ctx context.Context, g *graph.Graph, start string, p layeringParams, lim graph.Limits) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b := &budget{ctx: ctx, max: lim.MaxVisits}
	onPath := map[string]bool{start: true}
	stack := []frame{{node: start}}
	var weights []float64

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		out := g.OutEdges(top.node)
		if len(stack) >= lim.MaxDepth || top.next >= len(out) {
			delete(onPath, top.node)
			stack = stack[:len(stack)-1]
			if len(weights) > 0 {
				weights = weights[:len(weights)-1]
			}
			continue
		}
		e := out[top.next]
		top.next++
		if onPath[e.To] || e.Weight < p.minUSD {
			continue
		}
		// Any hop outside the band disqualifies every extension too.
		if len(weights) > 0 && !withinDelta(weights[0], e.Weight, p.deltaPct) {
			continue
		}
		if err := b.spend(); err != nil {
			return false, err
		}
		onPath[e.To] = true
		stack = append(stack, frame{node: e.To})
		weights = append(weights, e.Weight)
		if len(weights) >= p.hops {
			return true, nil
		}
	}
	return false, nil
}

// findCycle looks for a closed walk of exactly n hops from start back to
// start whose intermediate vertices are distinct and exclude start, with
// total weight of at least minTotal.
func findCycle(ctx context.Context, g *graph.Graph, start string, n int, minTotal float64, lim graph.Limits) (bool, error) {
	if n < 1 || n > lim.MaxDepth {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b := &budget{ctx: ctx, max: lim.MaxVisits}
	onPath := map[string]bool{start: true}
	stack := []frame{{node: start}}
	totals := []float64{0}

	for len(stack) > 0 {
		depth := len(stack) - 1
		top := &stack[depth]
		out := g.OutEdges(top.node)
		if top.next >= len(out) {
			delete(onPath, top.node)
			stack = stack[:depth]
			totals = totals[:depth]
			continue
		}
		e := out[top.next]
		top.next++

		if depth == n-1 {
			if e.To == start && totals[depth]+e.Weight >= minTotal {
				return true, nil
			}
			continue
		}
		if onPath[e.To] {
			continue
		}
		if err := b.spend(); err != nil {
			return false, err
		}
		onPath[e.To] = true
		stack = append(stack, frame{node: e.To})
		totals = append(totals, totals[depth]+e.Weight)
	}
	return false, nil
}
