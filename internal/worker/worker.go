// Package worker scores transactions consumed from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/scoring"
)

// Defaults applied by Start when the corresponding Config field is zero.
const (
	DefaultWorkers       = 4
	DefaultQueueSize     = 1000
	DefaultDedupeWindow  = time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Worker consumes ingested transactions and runs them through the scoring
// service on a fixed pool of goroutines.
type Worker struct {
	bus     domain.EventBus
	service *scoring.Service
	cfg     Config

	jobs          chan *domain.Transaction
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed  atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Workers is the number of concurrent scoring goroutines.
	Workers int

	// QueueSize bounds the transactions waiting for a free worker.
	QueueSize int

	// DedupeWindow suppresses redelivered hashes seen within the window.
	// Deduplication needs a cache on the scoring service.
	DedupeWindow time.Duration

	// SweepInterval is how often expired history is pruned. Negative
	// disables the sweeper.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, service *scoring.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the ingest topic and launches the pool.
func (w *Worker) Start(cfg Config) error {
	w.cfg = cfg.withDefaults()
	w.jobs = make(chan *domain.Transaction, w.cfg.QueueSize)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	if w.cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.sweep(w.cfg.SweepInterval)
	}

	slog.Info("workers started",
		"workers", w.cfg.Workers,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// handleMessage decodes one ingested transaction and queues it. It blocks
// while the queue is full.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := decodeTransaction(msg.Payload)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if w.duplicate(ctx, tx.TxHash) {
		w.duplicates.Add(1)
		slog.Debug("duplicate transaction skipped", "tx_hash", tx.TxHash, "message_id", msg.ID)
		return nil
	}

	select {
	case w.jobs <- tx:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeTransaction(payload []byte) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.TxHash == "" {
		return nil, errors.New("transaction has no tx_hash")
	}
	return &tx, nil
}

// duplicate counts the hash in the shared cache. Cache errors let the
// transaction through.
func (w *Worker) duplicate(ctx context.Context, txHash string) bool {
	c := w.service.Cache()
	if c == nil {
		return false
	}
	n, err := c.IncrementCounter(ctx, "seen:"+txHash, w.cfg.DedupeWindow)
	if err != nil {
		slog.Warn("dedupe counter failed", "tx_hash", txHash, "error", err)
		return false
	}
	return n > 1
}

func (w *Worker) run(id int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case tx := <-w.jobs:
			w.process(tx, id)
		}
	}
}

func (w *Worker) process(tx *domain.Transaction, id int) {
	_, err := w.service.ScoreTransaction(w.ctx, tx, scoring.Request{Source: "worker"})
	if err != nil {
		w.failed.Add(1)
		slog.Error("transaction scoring failed",
			"tx_hash", tx.TxHash,
			"worker", id,
			"error", err,
		)
		return
	}
	w.processed.Add(1)
}

func (w *Worker) sweep(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if n := w.service.Engine().Sweep(); n > 0 {
				slog.Info("history swept", "removed", n)
			}
		}
	}
}

// Stop unsubscribes and waits for in-flight transactions to finish.
// Queued transactions that have not started are dropped.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Duplicates        int64    `json:"duplicates"`
	Queued            int      `json:"queued"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Duplicates:        w.duplicates.Load(),
		Queued:            len(w.jobs),
	}
}
