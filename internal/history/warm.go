package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
)

// Source lists persisted transactions, oldest first.
type Source interface {
	ListTransactionsSince(ctx context.Context, since time.Time, limit int) ([]*domain.Transaction, error)
}

// Warm replays persisted transactions observed since the given time into the
// store, keyed by receiver. It returns the number of transactions loaded.
func (s *Store) Warm(ctx context.Context, src Source, since time.Time) (int, error) {
	if src == nil {
		return 0, fmt.Errorf("no transaction source available")
	}
	start := time.Now()

	txs, err := src.ListTransactionsSince(ctx, since, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list transactions: %w", err)
	}

	loaded := 0
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		key := tx.Receiver()
		if key == "" {
			continue
		}
		s.Add(key, tx)
		loaded++
	}

	slog.Info("history warmed",
		"transactions", loaded,
		"keys", len(s.Keys()),
		"since", since.UTC().Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return loaded, nil
}
