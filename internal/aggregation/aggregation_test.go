package aggregation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/history"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func tx(hash, from string, ts int64, usd float64) *domain.Transaction {
	return &domain.Transaction{
		TxHash:    hash,
		From:      from,
		To:        "0xTarget",
		Timestamp: domain.Timestamp(ts),
		USDValue:  domain.Number(usd),
	}
}

func agg(op string, field string, value float64) domain.Aggregation {
	spec := &domain.AggSpec{Field: field, Value: value}
	var a domain.Aggregation
	switch op {
	case "sum_gte":
		a.SumGte = spec
	case "count_gte":
		a.CountGte = spec
	case "every_gte":
		a.EveryGte = spec
	case "any_gte":
		a.AnyGte = spec
	case "distinct_gte":
		a.DistinctGte = spec
	case "avg_gte":
		a.AvgGte = spec
	}
	return a
}

func TestEvaluateClauses(t *testing.T) {
	ts := now.Unix()
	txs := []*domain.Transaction{
		tx("a", "0x1", ts, 100),
		tx("b", "0x2", ts, 200),
		tx("c", "0x2", ts, 300),
	}

	tests := []struct {
		name   string
		clause domain.Aggregation
		want   bool
	}{
		{"sum boundary", agg("sum_gte", "", 600), true},
		{"sum above", agg("sum_gte", "usd_value", 600.01), false},
		{"count", agg("count_gte", "", 3), true},
		{"count truncates", agg("count_gte", "", 3.9), true},
		{"count over", agg("count_gte", "", 4), false},
		{"every", agg("every_gte", "", 100), true},
		{"every fails", agg("every_gte", "", 101), false},
		{"any", agg("any_gte", "", 300), true},
		{"any fails", agg("any_gte", "", 301), false},
		{"distinct", agg("distinct_gte", "from", 2), true},
		{"distinct fails", agg("distinct_gte", "from", 3), false},
		{"distinct without field", agg("distinct_gte", "", 1), false},
		{"avg", agg("avg_gte", "", 200), true},
		{"avg fails", agg("avg_gte", "", 200.5), false},
		{"unknown op", domain.Aggregation{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateClauses(txs, []domain.Aggregation{tt.clause}))
		})
	}
}

func TestEvaluateClauses_Empty(t *testing.T) {
	assert.False(t, EvaluateClauses(nil, []domain.Aggregation{agg("count_gte", "", 0)}))
	assert.False(t, EvaluateClauses([]*domain.Transaction{tx("a", "", 1, 1)}, nil))
}

func TestEvaluateClauses_Conjunction(t *testing.T) {
	txs := []*domain.Transaction{tx("a", "0x1", 1, 50)}
	clauses := []domain.Aggregation{agg("count_gte", "", 1), agg("sum_gte", "", 100)}
	assert.False(t, EvaluateClauses(txs, clauses))
}

func TestEvaluateClauses_DistinctRawValues(t *testing.T) {
	a := tx("a", "0xA", 1, 1)
	a.Label = "CEX"
	b := tx("b", "0xa", 1, 1)
	b.Label = "cex"
	txs := []*domain.Transaction{a, b}

	assert.True(t, EvaluateClauses(txs, []domain.Aggregation{agg("distinct_gte", "label", 2)}))
	assert.False(t, EvaluateClauses(txs, []domain.Aggregation{agg("distinct_gte", "from", 2)}))
	assert.Equal(t, 1, distinct(txs, "from"))
}

func TestFieldValue_AmountUSDAlias(t *testing.T) {
	tr := &domain.Transaction{AmountUSD: 42, Value: 5e18}
	assert.Equal(t, 42.0, FieldValue(tr, "usd_value"))
	assert.Equal(t, 42.0, FieldValue(tr, "amount_usd"))

	wei := &domain.Transaction{Value: 5e18}
	assert.Equal(t, 0.0, FieldValue(wei, "usd_value"), "usd_value has no native fallback")
	assert.Equal(t, 5.0, FieldValue(wei, "amount"))
}

func windowRule(duration int64, groupBy []string, clauses ...domain.Aggregation) *domain.Rule {
	return &domain.Rule{
		ID:           "W",
		Window:       &domain.WindowSpec{DurationSec: duration, GroupBy: groupBy},
		Aggregations: clauses,
	}
}

func TestWindowEvaluator(t *testing.T) {
	store := history.NewStore(history.WithClock(clock))
	w := NewWindowEvaluator(store)
	ts := now.Unix()

	for i, off := range []int64{900, 500, 100} {
		store.Add("0xtarget", tx(string(rune('a'+i)), "0x1", ts-off, 1000))
	}

	cur := tx("cur", "0x1", ts, 1000)
	rule := windowRule(600, []string{"address"}, agg("count_gte", "", 3))
	assert.True(t, w.Evaluate(cur, rule), "two in window plus current")

	rule = windowRule(600, []string{"address"}, agg("count_gte", "", 4))
	assert.False(t, w.Evaluate(cur, rule))
}

func TestWindowEvaluator_CurrentCountedOnce(t *testing.T) {
	store := history.NewStore(history.WithClock(clock))
	w := NewWindowEvaluator(store)

	cur := tx("cur", "0x1", now.Unix(), 10)
	store.Add(cur.Receiver(), cur)

	assert.True(t, w.Evaluate(cur, windowRule(60, nil, agg("count_gte", "", 1))))
	assert.False(t, w.Evaluate(cur, windowRule(60, nil, agg("count_gte", "", 2))))
}

func TestWindowEvaluator_DuplicateSensitivity(t *testing.T) {
	store := history.NewStore(history.WithClock(clock))
	w := NewWindowEvaluator(store)
	ts := now.Unix()

	first := tx("dup", "0x1", ts, 500)
	store.Add("0xtarget", first)
	again := tx("dup", "0x1", ts, 500)
	store.Add("0xtarget", again)

	assert.True(t, w.Evaluate(again, windowRule(60, nil, agg("count_gte", "", 2))), "count detects duplicates")
	assert.True(t, w.Evaluate(again, windowRule(60, nil, agg("every_gte", "", 500))))
	assert.True(t, w.Evaluate(again, windowRule(60, nil, agg("any_gte", "", 500))))
}

func TestWindowEvaluator_Degrades(t *testing.T) {
	store := history.NewStore(history.WithClock(clock))
	w := NewWindowEvaluator(store)
	cur := tx("cur", "0x1", now.Unix(), 10)

	assert.False(t, w.Evaluate(cur, &domain.Rule{ID: "no-window", Aggregations: []domain.Aggregation{agg("count_gte", "", 1)}}))
	assert.False(t, w.Evaluate(cur, windowRule(60, []string{"token"}, agg("count_gte", "", 1))))

	noAddr := &domain.Transaction{TxHash: "x", Timestamp: domain.Timestamp(now.Unix())}
	assert.False(t, w.Evaluate(noAddr, windowRule(60, nil, agg("count_gte", "", 1))))
	assert.False(t, w.Evaluate(cur, windowRule(60, nil)))
}

func TestWindowEvaluator_ISOAndEpochAgree(t *testing.T) {
	var iso, epoch domain.Transaction
	require.NoError(t, json.Unmarshal([]byte(`{"tx_hash":"i","to":"0xT","timestamp":"2025-06-01T11:55:00Z","usd_value":10}`), &iso))
	require.NoError(t, json.Unmarshal([]byte(`{"tx_hash":"e","to":"0xT","timestamp":1748778900,"usd_value":10}`), &epoch))
	require.Equal(t, iso.Unix(), epoch.Unix())

	rule := windowRule(300, nil, agg("count_gte", "", 2))
	for _, prior := range []*domain.Transaction{&iso, &epoch} {
		store := history.NewStore(history.WithClock(clock))
		store.Add("0xt", prior)
		cur := &domain.Transaction{TxHash: "c", To: "0xT", Timestamp: domain.Timestamp(now.Unix())}
		assert.True(t, NewWindowEvaluator(store).Evaluate(cur, rule))
	}
}

func bucketRule(group []string, clauses ...domain.Aggregation) *domain.Rule {
	return &domain.Rule{ID: "BK", Bucket: &domain.BucketSpec{Group: group}, Aggregations: clauses}
}

func TestBucketEvaluator(t *testing.T) {
	b := NewBucketEvaluator(history.NewBucketIndex(history.WithClock(clock)))
	start := history.BucketStart(now.Unix(), 600)
	rule := bucketRule([]string{"to", "bucket_10m"}, agg("distinct_gte", "from", 3))

	assert.False(t, b.Evaluate(tx("1", "0xA", start+1, 10), rule))
	assert.False(t, b.Evaluate(tx("2", "0xB", start+2, 10), rule))
	assert.True(t, b.Evaluate(tx("3", "0xC", start+599, 10), rule))

	assert.False(t, b.Evaluate(tx("4", "0xD", start+600, 10), rule), "next bucket starts empty")
}

func TestBucketEvaluator_Degrades(t *testing.T) {
	b := NewBucketEvaluator(history.NewBucketIndex(history.WithClock(clock)))
	count := agg("count_gte", "", 1)

	assert.False(t, b.Evaluate(tx("1", "0xA", 0, 10), bucketRule([]string{"to"}, count)), "unknown timestamp")
	assert.False(t, b.Evaluate(tx("1", "0xA", now.Unix(), 10), bucketRule([]string{"bucket_10m"}, count)), "empty group")
	assert.False(t, b.Evaluate(tx("1", "0xA", now.Unix(), 10), &domain.Rule{ID: "x"}))
	assert.False(t, b.Evaluate(tx("1", "0xA", now.Unix(), 10), bucketRule([]string{"to"})))
}

func TestBucketEvaluator_SameTxAcrossRules(t *testing.T) {
	b := NewBucketEvaluator(history.NewBucketIndex(history.WithClock(clock)))
	cur := tx("1", "0xA", now.Unix(), 10)
	rule := bucketRule([]string{"to"}, agg("count_gte", "", 2))

	assert.False(t, b.Evaluate(cur, rule))
	assert.False(t, b.Evaluate(cur, rule), "re-evaluating the same transaction does not double count")
}

func TestBucketEvaluator_RulesDoNotShareBuckets(t *testing.T) {
	b := NewBucketEvaluator(history.NewBucketIndex(history.WithClock(clock)))
	bySender := &domain.Rule{ID: "FAN-OUT", Bucket: &domain.BucketSpec{Group: []string{"from"}}, Aggregations: []domain.Aggregation{agg("count_gte", "", 2)}}
	byReceiver := &domain.Rule{ID: "FAN-IN", Bucket: &domain.BucketSpec{Group: []string{"to"}}, Aggregations: []domain.Aggregation{agg("count_gte", "", 2)}}

	sent := &domain.Transaction{TxHash: "1", From: "0xHub", To: "0xB", Timestamp: domain.Timestamp(now.Unix())}
	received := &domain.Transaction{TxHash: "2", From: "0xC", To: "0xHub", Timestamp: domain.Timestamp(now.Unix() + 1)}

	assert.False(t, b.Evaluate(sent, bySender))
	assert.False(t, b.Evaluate(received, byReceiver), "a sent transfer must not count toward the receiver bucket")
}

func TestBucketGroupKey(t *testing.T) {
	cur := &domain.Transaction{From: "0xAB", To: "0xCD", Chain: "Ethereum"}
	assert.Equal(t, "0xab_ethereum", BucketGroupKey(cur, []string{"from", "bucket_10m", "label", "chain"}))
}

func TestInterarrival(t *testing.T) {
	mk := func(ts ...int64) []*domain.Transaction {
		out := make([]*domain.Transaction, len(ts))
		for i, v := range ts {
			out[i] = tx("", "", v, 1)
		}
		return out
	}

	_, ok := InterarrivalStd(mk(100, 200))
	assert.False(t, ok, "one gap")

	mean, ok := InterarrivalMean(mk(200, 100))
	require.True(t, ok)
	assert.Equal(t, 100.0, mean)

	std, ok := InterarrivalStd(mk(300, 100, 0, 200, 200, 400))
	require.True(t, ok)
	assert.Equal(t, 0.0, std, "zero timestamps and zero gaps are ignored")

	std, ok = InterarrivalStd(mk(0, 10, 20, 40))
	require.True(t, ok)
	assert.InDelta(t, 7.0710678, std, 1e-6)

	_, ok = InterarrivalMean(mk(5, 5))
	assert.False(t, ok)

	assert.True(t, CheckPrerequisites(mk(1, 2, 3), 3))
	assert.False(t, CheckPrerequisites(mk(1, 2), 3))
}
