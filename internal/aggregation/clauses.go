// Package aggregation evaluates window, bucket and statistics rules over
// sets of transactions.
package aggregation

import (
	"fmt"
	"strconv"

	"github.com/opensource-finance/tracex/internal/domain"
)

// DefaultField is the aggregated field when a clause names none.
const DefaultField = "usd_value"

// FieldValue resolves a numeric field of tx. usd_value and amount_usd map
// to the resolved USD amount; unknown fields are 0.
func FieldValue(tx *domain.Transaction, field string) float64 {
	switch field {
	case "", "usd_value", "amount_usd":
		return tx.USD()
	case "amount":
		return tx.Amount()
	case "timestamp":
		return float64(tx.Unix())
	}
	return domain.ToFloat(tx.Fields()[field])
}

// FieldString renders a field of tx for grouping and distinct counting.
// Empty, false and zero values render as "".
func FieldString(tx *domain.Transaction, field string) string {
	return stringify(tx.Fields()[field])
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return ""
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	default:
		s := fmt.Sprint(x)
		if s == "0" {
			return ""
		}
		return s
	}
}

// EvaluateClauses reports whether every clause holds over txs. An empty
// transaction set or clause list never holds.
func EvaluateClauses(txs []*domain.Transaction, clauses []domain.Aggregation) bool {
	if len(txs) == 0 || len(clauses) == 0 {
		return false
	}
	for i := range clauses {
		if !evaluateClause(txs, &clauses[i]) {
			return false
		}
	}
	return true
}

// evaluateClause applies the first operator present, in sum, count, every,
// distinct, any, avg order. A clause without a known operator is false.
func evaluateClause(txs []*domain.Transaction, c *domain.Aggregation) bool {
	switch {
	case c.SumGte != nil:
		return sum(txs, fieldOrDefault(c.SumGte.Field)) >= c.SumGte.Value
	case c.CountGte != nil:
		return len(txs) >= int(c.CountGte.Value)
	case c.EveryGte != nil:
		field := fieldOrDefault(c.EveryGte.Field)
		for _, tx := range txs {
			if FieldValue(tx, field) < c.EveryGte.Value {
				return false
			}
		}
		return true
	case c.DistinctGte != nil:
		if c.DistinctGte.Field == "" {
			return false
		}
		return distinct(txs, c.DistinctGte.Field) >= int(c.DistinctGte.Value)
	case c.AnyGte != nil:
		field := fieldOrDefault(c.AnyGte.Field)
		for _, tx := range txs {
			if FieldValue(tx, field) >= c.AnyGte.Value {
				return true
			}
		}
		return false
	case c.AvgGte != nil:
		return sum(txs, fieldOrDefault(c.AvgGte.Field))/float64(len(txs)) >= c.AvgGte.Value
	default:
		return false
	}
}

func fieldOrDefault(field string) string {
	if field == "" {
		return DefaultField
	}
	return field
}

func sum(txs []*domain.Transaction, field string) float64 {
	var total float64
	for _, tx := range txs {
		total += FieldValue(tx, field)
	}
	return total
}

// distinct counts raw field values. Address fields arrive lower-cased from
// Transaction.Fields.
func distinct(txs []*domain.Transaction, field string) int {
	seen := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		if v := FieldString(tx, field); v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

// withCurrent returns txs with cur appended unless the same transaction is
// already present.
func withCurrent(txs []*domain.Transaction, cur *domain.Transaction) []*domain.Transaction {
	for _, t := range txs {
		if t == cur {
			return txs
		}
	}
	return append(txs, cur)
}
