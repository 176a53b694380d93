// Package topology searches transaction graphs for layering chains and
// circular transfers.
package topology

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/graph"
)

// ErrSearchBudgetExceeded is returned by a single partition search that
// hit the visit cap. Evaluator treats it as no match.
var ErrSearchBudgetExceeded = errors.New("topology search budget exceeded")

// errFound stops sibling partitions once one has matched.
var errFound = errors.New("structure found")

// Defaults applied to zero-valued spec fields.
const (
	DefaultHopLength     = 3
	DefaultHopDeltaPct   = 5.0
	DefaultMinHopUSD     = 100.0
	DefaultCycleTotalUSD = 100.0
)

// DefaultCycleLengths are the hop counts tried when a cycle spec lists none.
var DefaultCycleLengths = []int{2, 3}

// Search outcomes reported to the observer.
const (
	OutcomeMatch     = "match"
	OutcomeNoMatch   = "no_match"
	OutcomeBudget    = "budget_exceeded"
	OutcomeCancelled = "cancelled"
)

// Observer receives the outcome of every search ("layering" or "cycle").
type Observer func(search, outcome string)

// Evaluator runs bounded graph searches over a snapshot of transactions.
type Evaluator struct {
	limits  graph.Limits
	observe Observer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLimits overrides the depth and visit bounds.
func WithLimits(l graph.Limits) Option {
	return func(e *Evaluator) { e.limits = l }
}

// WithObserver registers a callback for search outcomes.
func WithObserver(o Observer) Option {
	return func(e *Evaluator) { e.observe = o }
}

// NewEvaluator creates an evaluator with graph.DefaultLimits.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{limits: graph.DefaultLimits()}
	for _, opt := range opts {
		opt(e)
	}
	if e.limits.MaxDepth <= 0 {
		e.limits.MaxDepth = graph.DefaultMaxDepth
	}
	if e.limits.MaxVisits <= 0 {
		e.limits.MaxVisits = graph.DefaultMaxVisits
	}
	return e
}

// Layering reports whether a chain of near-equal transfers leaves target.
func (e *Evaluator) Layering(ctx context.Context, target string, txs []*domain.Transaction, spec *domain.LayeringSpec) (bool, error) {
	if spec == nil {
		spec = &domain.LayeringSpec{}
	}
	p := layeringParams{
		hops:     spec.HopLengthGte,
		deltaPct: spec.HopAmountDeltaPctLte,
		minUSD:   spec.MinUSDValue,
	}
	if p.hops <= 0 {
		p.hops = DefaultHopLength
	}
	if p.deltaPct <= 0 {
		p.deltaPct = DefaultHopDeltaPct
	}
	if p.minUSD <= 0 {
		p.minUSD = DefaultMinHopUSD
	}
	return e.run(ctx, "layering", target, txs, spec.SameToken, func(ctx context.Context, g *graph.Graph, start string) (bool, error) {
		return findLayering(ctx, g, start, p, e.limits)
	})
}

// Cycle reports whether funds return to target after exactly one of the
// configured hop counts with enough total value.
func (e *Evaluator) Cycle(ctx context.Context, target string, txs []*domain.Transaction, spec *domain.CycleSpec) (bool, error) {
	if spec == nil {
		spec = &domain.CycleSpec{}
	}
	lengths := spec.CycleLengthIn
	if len(lengths) == 0 {
		lengths = DefaultCycleLengths
	}
	minTotal := spec.CycleTotalUSDGte
	if minTotal <= 0 {
		minTotal = DefaultCycleTotalUSD
	}
	return e.run(ctx, "cycle", target, txs, spec.SameToken, func(ctx context.Context, g *graph.Graph, start string) (bool, error) {
		for _, n := range lengths {
			ok, err := findCycle(ctx, g, start, n, minTotal, e.limits)
			if ok || err != nil {
				return ok, err
			}
		}
		return false, nil
	})
}

type searchFunc func(ctx context.Context, g *graph.Graph, start string) (bool, error)

// run searches every partition concurrently. The first match cancels the
// remaining partitions.
func (e *Evaluator) run(ctx context.Context, name, target string, txs []*domain.Transaction, sameToken bool, search searchFunc) (bool, error) {
	target = strings.ToLower(target)
	parts := partitions(txs, sameToken)

	var found, capped atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		part := part
		if !part.HasNode(target) {
			continue
		}
		g.Go(func() error {
			ok, err := search(gctx, part, target)
			switch {
			case errors.Is(err, ErrSearchBudgetExceeded):
				capped.Store(true)
				return nil
			case err != nil:
				return err
			case ok:
				found.Store(true)
				return errFound
			}
			return nil
		})
	}
	err := g.Wait()

	switch {
	case found.Load():
		e.report(name, OutcomeMatch)
		return true, nil
	case err != nil:
		e.report(name, OutcomeCancelled)
		return false, err
	case capped.Load():
		slog.Debug("topology search capped", "search", name, "target", target, "max_visits", e.limits.MaxVisits)
		e.report(name, OutcomeBudget)
		return false, nil
	}
	e.report(name, OutcomeNoMatch)
	return false, nil
}

func (e *Evaluator) report(search, outcome string) {
	if e.observe != nil {
		e.observe(search, outcome)
	}
}

// partitions returns one graph per asset contract, or a single graph over
// all transactions, in a stable order.
func partitions(txs []*domain.Transaction, sameToken bool) []*graph.Graph {
	if !sameToken {
		return []*graph.Graph{graph.Build(txs)}
	}
	byToken := graph.BuildByToken(txs)
	keys := make([]string, 0, len(byToken))
	for k := range byToken {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*graph.Graph, len(keys))
	for i, k := range keys {
		out[i] = byToken[k]
	}
	return out
}
