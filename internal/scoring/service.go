// Package scoring runs the decision pipeline shared by the HTTP API and the
// bus worker: evaluate, decide, persist, cache and publish.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/metrics"
	"github.com/opensource-finance/tracex/internal/rules"
	"github.com/opensource-finance/tracex/internal/tadp"
)

// DefaultLookbackDays bounds the persisted history loaded for an address
// analysis.
const DefaultLookbackDays = 90

// ErrNoTransactions is returned when an address analysis has nothing to
// replay.
var ErrNoTransactions = errors.New("no transactions for address")

// Service scores transactions and addresses. Repository, cache and bus are
// optional.
type Service struct {
	engine    *rules.Engine
	processor *tadp.Processor
	repo      domain.Repository
	cache     domain.Cache
	cacheTTL  time.Duration
	bus       domain.EventBus
	metrics   *metrics.Metrics
	topology  bool
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRepository persists transactions and evaluations.
func WithRepository(repo domain.Repository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithCache caches results by transaction hash for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithBus publishes decisions and alerts.
func WithBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithMetrics records decisions and cache lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTopology sets the default for topology rules.
func WithTopology(enabled bool) Option {
	return func(s *Service) { s.topology = enabled }
}

// NewService creates a scoring service around engine and processor.
func NewService(engine *rules.Engine, processor *tadp.Processor, opts ...Option) *Service {
	s := &Service{
		engine:    engine,
		processor: processor,
		cacheTTL:  5 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request selects the optional work of one transaction score.
type Request struct {
	// Topology overrides the service default when set.
	Topology *bool
	Features bool
	Source   string
}

// ScoreTransaction evaluates tx and returns its decision. A cached decision
// for the same hash and the same topology and feature options is returned
// without re-evaluating.
func (s *Service) ScoreTransaction(ctx context.Context, tx *domain.Transaction, req Request) (*domain.ScoringResult, error) {
	start := time.Now()
	if tx == nil {
		return nil, errors.New("transaction is required")
	}

	topology := s.topology
	if req.Topology != nil {
		topology = *req.Topology
	}
	key := ResultKey(tx.TxHash, topology, req.Features)
	if cached := s.lookup(ctx, key); cached != nil {
		return cached, nil
	}

	if s.repo != nil && tx.TxHash != "" {
		if err := s.repo.SaveTransaction(ctx, tx); err != nil {
			slog.Error("failed to save transaction", "tx_hash", tx.TxHash, "error", err)
		}
	}

	res, err := s.engine.Evaluate(ctx, tx, rules.Options{
		IncludeTopology: topology,
		IncludeFeatures: req.Features,
		Source:          req.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", tx.TxHash, err)
	}

	result := s.processor.Process(ctx, &tadp.DecisionInput{
		Transaction: tx,
		Fired:       res.Fired,
		Features:    res.Features,
		StartTime:   start,
	})
	s.metrics.RecordDecision(string(result.RiskLevel))

	s.persist(ctx, key, result)
	s.publish(ctx, result)

	slog.Info("transaction scored",
		"tx_hash", result.TxHash,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel,
		"fired", len(result.FiredRules),
		"alert", result.Alert,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// ResultKey is the cache key of a decision. Topology and features change
// the decision, so they are part of the key.
func ResultKey(txHash string, topology, features bool) string {
	if txHash == "" {
		return ""
	}
	return fmt.Sprintf("%s|topo=%d|feat=%d", txHash, flag(topology), flag(features))
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Service) lookup(ctx context.Context, key string) *domain.ScoringResult {
	if s.cache == nil || key == "" {
		return nil
	}
	r, err := s.cache.GetResult(ctx, key)
	if err != nil {
		slog.Warn("cache lookup failed", "key", key, "error", err)
		r = nil
	}
	s.metrics.RecordCacheLookup(r != nil)
	return r
}

func (s *Service) persist(ctx context.Context, key string, result *domain.ScoringResult) {
	if s.repo != nil {
		if err := s.repo.SaveEvaluation(ctx, domain.EvaluationFrom(result)); err != nil {
			slog.Error("failed to save evaluation", "tx_hash", result.TxHash, "error", err)
		}
	}
	if s.cache != nil && key != "" {
		if err := s.cache.SetResult(ctx, key, result, s.cacheTTL); err != nil {
			slog.Warn("failed to cache result", "tx_hash", result.TxHash, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, result *domain.ScoringResult) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to encode decision", "tx_hash", result.TxHash, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision", "tx_hash", result.TxHash, "error", err)
	}
	if tadp.ShouldAlert(result) {
		if err := s.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "tx_hash", result.TxHash, "error", err)
		}
	}
}

// AnalyzeAddress scores address over txs, or over its persisted
// transactions from the last lookbackDays when txs is empty.
func (s *Service) AnalyzeAddress(ctx context.Context, address, chain string, txs []*domain.Transaction, lookbackDays int) (*domain.AddressAnalysis, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, errors.New("address is required")
	}
	if len(txs) == 0 && s.repo != nil {
		if lookbackDays <= 0 {
			lookbackDays = DefaultLookbackDays
		}
		since := s.now().AddDate(0, 0, -lookbackDays)
		stored, err := s.repo.ListTransactionsByAddress(ctx, address, since)
		if err != nil {
			return nil, fmt.Errorf("load transactions for %s: %w", address, err)
		}
		txs = stored
	}
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}

	analysis, err := s.processor.AnalyzeAddress(ctx, s.engine, address, chain, txs)
	if err != nil {
		return nil, err
	}
	slog.Info("address analyzed",
		"address", address,
		"transactions", len(txs),
		"risk_score", analysis.RiskScore,
		"risk_level", analysis.RiskLevel,
	)
	return analysis, nil
}

// Warm replays the last days of persisted transactions into the engine
// history.
func (s *Service) Warm(ctx context.Context, days int) (int, error) {
	if s.repo == nil || days <= 0 {
		return 0, nil
	}
	return s.engine.History().Warm(ctx, s.repo, s.now().AddDate(0, 0, -days))
}

// Engine returns the rule engine.
func (s *Service) Engine() *rules.Engine { return s.engine }

// Repository returns the configured repository, or nil.
func (s *Service) Repository() domain.Repository { return s.repo }

// Cache returns the configured cache, or nil.
func (s *Service) Cache() domain.Cache { return s.cache }
