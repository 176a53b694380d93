// Package rules evaluates transactions against a rule-book, dispatching each
// rule to its aggregation strategy and applying its match, condition and
// exception predicates.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/tracex/internal/aggregation"
	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/graph"
	"github.com/opensource-finance/tracex/internal/history"
	"github.com/opensource-finance/tracex/internal/metrics"
	"github.com/opensource-finance/tracex/internal/rulebook"
	"github.com/opensource-finance/tracex/internal/topology"
)

var tracer = otel.Tracer("tracex-rules")

// Engine is the rule evaluation engine. It owns the transaction history
// and bucket index it evaluates against.
type Engine struct {
	book     *domain.RuleBook
	lists    *rulebook.Lists
	env      *cel.Env
	programs map[string]cel.Program

	cfg     domain.EngineConfig
	limits  graph.Limits
	ppr     graph.PPROptions
	now     func() time.Time
	metrics *metrics.Metrics

	history *history.Store
	buckets *history.BucketIndex
	locks   *history.KeyLocks
	window  *aggregation.WindowEvaluator
	bucket  *aggregation.BucketEvaluator
	topo    *topology.Evaluator
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine tunables.
func WithConfig(cfg domain.EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithHistory shares an existing history store and bucket index.
func WithHistory(store *history.Store, buckets *history.BucketIndex) Option {
	return func(e *Engine) {
		e.history = store
		e.buckets = buckets
	}
}

// WithMetrics records evaluations and fired rules.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock used for retention.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine compiles the rule-book's expressions and prepares the
// evaluators. A nil lists value behaves as empty lists.
func NewEngine(book *domain.RuleBook, lists *rulebook.Lists, opts ...Option) (*Engine, error) {
	if book == nil || len(book.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", rulebook.ErrRuleBookInvalid)
	}
	if lists == nil {
		lists = rulebook.NewLists()
	}

	e := &Engine{
		book:  book,
		lists: lists,
		cfg:   domain.DefaultEngineConfig(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	programs, err := compileExpressions(env, book)
	if err != nil {
		return nil, err
	}
	e.env = env
	e.programs = programs

	e.limits = graph.Limits{MaxDepth: e.cfg.MaxDepth, MaxVisits: e.cfg.MaxVisits}
	e.ppr = graph.PPROptions{Damping: e.cfg.PPRDamping, MaxIter: e.cfg.PPRMaxIter, Tolerance: e.cfg.PPRTolerance}
	e.topo = topology.NewEvaluator(
		topology.WithLimits(e.limits),
		topology.WithObserver(e.metrics.RecordTopologySearch),
	)
	e.attachHistory(e.history, e.buckets)
	return e, nil
}

func (e *Engine) attachHistory(store *history.Store, buckets *history.BucketIndex) {
	hopts := []history.Option{
		history.WithRetentionDays(e.cfg.RetentionDays),
		history.WithShards(e.cfg.HistoryShards),
		history.WithClock(e.now),
	}
	if store == nil {
		store = history.NewStore(hopts...)
	}
	if buckets == nil {
		buckets = history.NewBucketIndex(hopts...)
	}
	e.history = store
	e.buckets = buckets
	e.locks = history.NewKeyLocks(e.cfg.HistoryShards)
	e.window = aggregation.NewWindowEvaluator(store)
	e.bucket = aggregation.NewBucketEvaluator(buckets)
}

// Isolated returns an engine sharing this engine's compiled rules and
// lists but with its own empty history.
func (e *Engine) Isolated() *Engine {
	c := *e
	c.attachHistory(nil, nil)
	return &c
}

// Options selects the optional work of one evaluation.
type Options struct {
	// IncludeTopology enables the layering and cycle searches.
	IncludeTopology bool
	// IncludeFeatures computes the graph and pattern feature map.
	IncludeFeatures bool
	// Context adds transactions to the graph used by PPR, topology and
	// features without recording them in history.
	Context []*domain.Transaction
	// Source labels the evaluation in metrics.
	Source string
}

// Result is the outcome of one evaluation.
type Result struct {
	Fired    []domain.FiredRule
	Features domain.Features
}

// EvaluateTransaction records tx in history and returns the fired rules.
func (e *Engine) EvaluateTransaction(ctx context.Context, tx *domain.Transaction, includeTopology bool) ([]domain.FiredRule, error) {
	res, err := e.Evaluate(ctx, tx, Options{IncludeTopology: includeTopology})
	if err != nil {
		return nil, err
	}
	return res.Fired, nil
}

// Evaluate records tx in history and evaluates every rule in book order.
// It fails only when ctx ends during graph work.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, opts Options) (*Result, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	start := time.Now()
	source := opts.Source
	if source == "" {
		source = "engine"
	}

	key := tx.Receiver()
	if key != "" {
		unlock := e.locks.Lock(key)
		defer unlock()
		e.history.Add(key, tx)
	}

	ev := e.newEvaluation(tx, opts.Context)
	res, err := e.evaluate(ctx, ev, opts)
	e.metrics.RecordEvaluation(source, opts.IncludeTopology, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}

	slog.Debug("transaction evaluated",
		"tx_hash", tx.TxHash,
		"target", ev.target,
		"fired", len(res.Fired),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, ev *evaluation, opts Options) (*Result, error) {
	fired := make([]domain.FiredRule, 0)
	for i := range e.book.Rules {
		rule := &e.book.Rules[i]
		score, ok, err := e.evaluateRule(ctx, ev, rule, opts.IncludeTopology)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !ok {
			continue
		}
		fired = append(fired, domain.FiredRule{
			RuleID:   rule.ID,
			Score:    score,
			Axis:     rule.Axis,
			Name:     rule.DisplayName(),
			Severity: rule.Severity,
		})
		e.metrics.RecordRuleFired(rule.ID)
	}

	res := &Result{Fired: fired}
	if opts.IncludeFeatures {
		features, err := e.features(ctx, ev)
		if err != nil {
			return nil, err
		}
		res.Features = features
	}
	return res, nil
}

// evaluateRule runs the rule's strategy, its PPR gate, then its
// predicates. The strategy runs first so the bucket index records every
// transaction.
func (e *Engine) evaluateRule(ctx context.Context, ev *evaluation, rule *domain.Rule, includeTopology bool) (float64, bool, error) {
	score := rule.Score.Value()

	switch rule.Kind {
	case domain.KindStateful:
		return 0, false, nil

	case domain.KindTopology:
		if !includeTopology {
			return 0, false, nil
		}
		ok, err := e.topologyMatch(ctx, ev, rule)
		if err != nil || !ok {
			return 0, false, err
		}

	case domain.KindDynamicBucket:
		field := aggregation.DefaultField
		if rule.Buckets != nil && rule.Buckets.Field != "" {
			field = rule.Buckets.Field
		}
		score = rule.Buckets.Resolve(number(ev.fields, field))
		if score <= 0 {
			return 0, false, nil
		}

	case domain.KindStatsPrerequisite:
		if !e.injectInterarrival(ev, rule) {
			return 0, false, nil
		}

	case domain.KindBucket:
		if !e.bucket.Evaluate(ev.tx, rule) {
			return 0, false, nil
		}

	case domain.KindWindow:
		if !e.window.Evaluate(ev.tx, rule) {
			return 0, false, nil
		}
	}

	if rule.PPR != nil {
		ok, err := e.pprGate(ctx, ev, rule)
		if err != nil || !ok {
			return 0, false, err
		}
	}

	if !e.matches(rule.Match, ev.fields) || !e.conditionsHold(rule.Conditions, ev.fields) {
		return 0, false, nil
	}
	if e.excepted(rule.Exceptions, ev.fields) {
		return 0, false, nil
	}
	return score, true, nil
}

// injectInterarrival checks the minimum sample over the target's history
// and exposes the interarrival statistics to later conditions.
func (e *Engine) injectInterarrival(ev *evaluation, rule *domain.Rule) bool {
	txs := ev.targetHistory()
	if !aggregation.CheckPrerequisites(txs, rule.Prerequisites.MinSample()) {
		return false
	}
	std, ok := aggregation.InterarrivalStd(txs)
	if !ok {
		return false
	}
	mean, _ := aggregation.InterarrivalMean(txs)
	ev.fields[domain.FeatureInterarrivalStd] = std
	ev.fields[domain.FeatureInterarrivalMean] = mean
	return true
}

func (e *Engine) topologyMatch(ctx context.Context, ev *evaluation, rule *domain.Rule) (bool, error) {
	ctx, span := tracer.Start(ctx, "rules.topology", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("target", ev.target),
	))
	defer span.End()

	txs := ev.graphTxs()
	switch {
	case rule.Topology.LayeringChain != nil:
		return e.topo.Layering(ctx, ev.target, txs, rule.Topology.LayeringChain)
	case rule.Topology.Cycle != nil:
		return e.topo.Cycle(ctx, ev.target, txs, rule.Topology.Cycle)
	}
	return false, nil
}

// pprGate seeds PPR from the gate's list members present in the graph.
func (e *Engine) pprGate(ctx context.Context, ev *evaluation, rule *domain.Rule) (bool, error) {
	list := rule.PPR.List
	if list == "" {
		list = domain.ListSDN
	}
	threshold := rule.PPR.Gte
	if threshold <= 0 {
		threshold = domain.DefaultPPRGate
	}

	g := ev.graph()
	seeds := g.MembersOf(e.lists.Get(list))
	if len(seeds) == 0 {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "rules.ppr", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.Int("seeds", len(seeds)),
	))
	defer span.End()

	score, err := g.PPR(ctx, ev.target, seeds, e.ppr)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.Float64("ppr", score))
	return score >= threshold, nil
}

// Sweep prunes expired history entries and buckets and returns the number
// removed.
func (e *Engine) Sweep() int {
	removed := e.history.Sweep()
	seen := make(map[int64]bool)
	for i := range e.book.Rules {
		if b := e.book.Rules[i].Bucket; b != nil && !seen[b.Size()] {
			seen[b.Size()] = true
			removed += e.buckets.Sweep(b.Size())
		}
	}
	e.metrics.RecordHistoryPruned(removed)
	e.metrics.RecordHistorySize(len(e.history.Keys()))
	return removed
}

// History returns the engine's transaction history.
func (e *Engine) History() *history.Store { return e.history }

// Book returns the loaded rule-book.
func (e *Engine) Book() *domain.RuleBook { return e.book }

// Lists returns the address lists.
func (e *Engine) Lists() *rulebook.Lists { return e.lists }

// Rules returns the loaded rules in book order.
func (e *Engine) Rules() []domain.Rule { return e.book.Rules }

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int { return len(e.book.Rules) }

// evaluation caches per-transaction inputs shared by every rule.
type evaluation struct {
	e      *Engine
	tx     *domain.Transaction
	target string
	fields map[string]any
	extra  []*domain.Transaction

	history []*domain.Transaction
	txs     []*domain.Transaction
	g       *graph.Graph
}

func (e *Engine) newEvaluation(tx *domain.Transaction, extra []*domain.Transaction) *evaluation {
	target := strings.ToLower(tx.TargetAddress)
	if target == "" {
		target = tx.Receiver()
	}
	return &evaluation{e: e, tx: tx, target: target, fields: tx.Fields(), extra: extra}
}

// targetHistory is a copy of the receiver's history, current included.
func (ev *evaluation) targetHistory() []*domain.Transaction {
	if ev.history == nil {
		ev.history = withCurrent(ev.e.history.Snapshot(ev.tx.Receiver()), ev.tx)
	}
	return ev.history
}

// graphTxs is the deduplicated union of the receiver's and sender's
// history, the caller's context and the current transaction.
func (ev *evaluation) graphTxs() []*domain.Transaction {
	if ev.txs != nil {
		return ev.txs
	}
	seen := make(map[*domain.Transaction]bool)
	var out []*domain.Transaction
	add := func(txs []*domain.Transaction) {
		for _, t := range txs {
			if t != nil && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	add(ev.targetHistory())
	if s := ev.tx.Sender(); s != "" && s != ev.tx.Receiver() {
		add(ev.e.history.Snapshot(s))
	}
	add(ev.extra)
	ev.txs = out
	return out
}

func (ev *evaluation) graph() *graph.Graph {
	if ev.g == nil {
		ev.g = graph.Build(ev.graphTxs())
	}
	return ev.g
}

func withCurrent(txs []*domain.Transaction, cur *domain.Transaction) []*domain.Transaction {
	for _, t := range txs {
		if t == cur {
			return txs
		}
	}
	return append(txs, cur)
}
