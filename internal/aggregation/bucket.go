package aggregation

import (
	"strings"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/history"
)

// bucketSizeField documents the bucket width in rule-books and is never
// read from the transaction.
const bucketSizeField = "bucket_10m"

// BucketEvaluator evaluates fixed time-bucket rules against its own index.
type BucketEvaluator struct {
	index *history.BucketIndex
}

// NewBucketEvaluator creates a bucket evaluator over index.
func NewBucketEvaluator(index *history.BucketIndex) *BucketEvaluator {
	return &BucketEvaluator{index: index}
}

// BucketGroupKey joins the lower-cased, non-empty group field values of tx with "_".
func BucketGroupKey(tx *domain.Transaction, fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == bucketSizeField {
			continue
		}
		if v := FieldString(tx, f); v != "" {
			parts = append(parts, strings.ToLower(v))
		}
	}
	return strings.Join(parts, "_")
}

// Evaluate inserts tx into its bucket and reports whether the rule's
// aggregations hold over the bucket contents. Buckets are kept per rule, so
// rules grouping on different fields never share a bucket.
func (b *BucketEvaluator) Evaluate(tx *domain.Transaction, rule *domain.Rule) bool {
	if rule.Bucket == nil {
		return false
	}
	group := BucketGroupKey(tx, rule.Bucket.Group)
	ts := tx.Unix()
	if group == "" || ts == 0 {
		return false
	}

	size := rule.Bucket.Size()
	txs := b.index.Add(rule.ID+"|"+group, history.BucketStart(ts, size), size, tx)
	return EvaluateClauses(withCurrent(txs, tx), rule.Aggregations)
}
