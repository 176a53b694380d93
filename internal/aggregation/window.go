package aggregation

import (
	"log/slog"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/history"
)

// GroupByAddress is the only supported window grouping.
const GroupByAddress = "address"

// WindowEvaluator evaluates sliding-window rules against a history store.
type WindowEvaluator struct {
	history *history.Store
}

// NewWindowEvaluator creates a window evaluator over store.
func NewWindowEvaluator(store *history.Store) *WindowEvaluator {
	return &WindowEvaluator{history: store}
}

// GroupKey resolves the window group key for tx. Only "address" grouping is
// supported; it maps to the receiver.
func GroupKey(tx *domain.Transaction, groupBy []string) (string, bool) {
	if len(groupBy) == 0 {
		groupBy = []string{GroupByAddress}
	}
	for _, g := range groupBy {
		if g == GroupByAddress {
			key := tx.Receiver()
			return key, key != ""
		}
	}
	return "", false
}

// Evaluate reports whether the rule's aggregations hold over the window
// ending at tx's timestamp. The current transaction always participates.
func (w *WindowEvaluator) Evaluate(tx *domain.Transaction, rule *domain.Rule) bool {
	txs, ok := w.Collect(tx, rule)
	if !ok {
		return false
	}
	return EvaluateClauses(txs, rule.Aggregations)
}

// Collect returns the window contents for tx under rule, current transaction
// included. A rule without a window block has no window.
func (w *WindowEvaluator) Collect(tx *domain.Transaction, rule *domain.Rule) ([]*domain.Transaction, bool) {
	if rule.Window == nil {
		return nil, false
	}

	key, ok := GroupKey(tx, rule.Window.GroupBy)
	if !ok {
		slog.Debug("window group key unavailable", "rule_id", rule.ID, "group_by", rule.Window.GroupBy, "tx_hash", tx.TxHash)
		return nil, false
	}

	txs := w.history.Window(key, tx.Unix(), rule.Window.DurationSec)
	return withCurrent(txs, tx), true
}
