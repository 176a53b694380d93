package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/rulebook"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func testLists() *rulebook.Lists {
	lists := rulebook.NewLists()
	lists.SDN.Add("0xSDN")
	lists.Mixer.Add("0xMixer")
	lists.Bridge.Add("0xBridge")
	lists.CEX.Add("0xExchange")
	return lists
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	book, err := rulebook.Default()
	if err != nil {
		t.Fatalf("failed to load default rule-book: %v", err)
	}
	engine, err := NewEngine(book, testLists(), WithClock(clock))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func transfer(hash, from, to string, usd float64, agoSec int64) *domain.Transaction {
	return &domain.Transaction{
		TxHash:    hash,
		From:      from,
		To:        to,
		Timestamp: domain.Timestamp(fixedNow.Unix() - agoSec),
		USDValue:  domain.Number(usd),
		Chain:     "ethereum",
	}
}

func firedIDs(fired []domain.FiredRule) map[string]float64 {
	ids := make(map[string]float64, len(fired))
	for _, f := range fired {
		ids[f.RuleID] = f.Score
	}
	return ids
}

func evaluate(t *testing.T, engine *Engine, tx *domain.Transaction, includeTopology bool) map[string]float64 {
	t.Helper()
	fired, err := engine.EvaluateTransaction(context.Background(), tx, includeTopology)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	return firedIDs(fired)
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t)

	book, _ := rulebook.Default()
	if engine.RulesCount() != len(book.Rules) {
		t.Errorf("expected %d rules, got %d", len(book.Rules), engine.RulesCount())
	}
	if engine.History().Len() != 0 {
		t.Errorf("expected empty history, got %d entries", engine.History().Len())
	}
}

func TestNewEngine_RejectsBadExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"syntax error", "this is not valid CEL !!!"},
		{"string result", "chain"},
		{"unknown variable", "balance > 10.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := &domain.RuleBook{Rules: []domain.Rule{{
				ID:         "X-001",
				Score:      domain.RuleScore{Raw: 10},
				Conditions: &domain.Condition{Expr: tt.expr},
			}}}
			_, err := NewEngine(book, nil)
			if !errors.Is(err, rulebook.ErrRuleBookInvalid) {
				t.Fatalf("expected ErrRuleBookInvalid, got %v", err)
			}
		})
	}
}

func TestNewEngine_EmptyBook(t *testing.T) {
	if _, err := NewEngine(&domain.RuleBook{}, nil); !errors.Is(err, rulebook.ErrRuleBookInvalid) {
		t.Fatalf("expected ErrRuleBookInvalid, got %v", err)
	}
}

func TestMixerAndSanctionsScenario(t *testing.T) {
	engine := newTestEngine(t)

	txs := []*domain.Transaction{
		transfer("0x1", "0xMixer", "0xX", 5000, 3000),
		transfer("0x2", "0xSDN", "0xX", 3000, 2000),
		transfer("0x3", "0xUnrelated", "0xX", 4000, 1000),
	}

	var all []domain.FiredRule
	for _, tx := range txs {
		fired, err := engine.EvaluateTransaction(context.Background(), tx, false)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		all = append(all, fired...)
	}

	ids := firedIDs(all)
	if _, ok := ids["E-101"]; !ok {
		t.Error("expected mixer inflow rule E-101 to fire")
	}
	if _, ok := ids["C-001"]; !ok {
		t.Error("expected sanctions rule C-001 to fire")
	}

	total := domain.TotalScore(all)
	if level := domain.LevelFor(total); !level.AtLeast(domain.RiskMedium) {
		t.Errorf("expected at least medium risk, got %s (score %.1f)", level, total)
	}
}

func TestIndirectSanctionsExposure(t *testing.T) {
	engine := newTestEngine(t)

	evaluate(t, engine, transfer("0x1", "0xSDN", "0xMid", 1000, 600), false)
	ids := evaluate(t, engine, transfer("0x2", "0xMid", "0xX", 1000, 300), false)

	if _, ok := ids["C-002"]; !ok {
		t.Error("expected indirect exposure rule C-002 to fire two hops from a sanctioned address")
	}
	if _, ok := ids["C-001"]; ok {
		t.Error("expected C-001 not to fire without a direct sanctioned counterparty")
	}

	clean := newTestEngine(t)
	evaluate(t, clean, transfer("0x3", "0xA", "0xMid", 1000, 600), false)
	ids = evaluate(t, clean, transfer("0x4", "0xMid", "0xX", 1000, 300), false)
	if _, ok := ids["C-002"]; ok {
		t.Error("expected C-002 not to fire without sanctioned addresses in the graph")
	}
}

func TestListShortcutFlags(t *testing.T) {
	engine := newTestEngine(t)

	sanctioned := transfer("0x1", "0xUnlisted", "0xX", 100, 0)
	sanctioned.IsSanctioned = true
	if _, ok := evaluate(t, engine, sanctioned, false)["C-001"]; !ok {
		t.Error("expected is_sanctioned to satisfy the SDN list")
	}

	mixer := transfer("0x2", "0xUnlisted", "0xY", 100, 0)
	mixer.IsMixer = true
	if _, ok := evaluate(t, engine, mixer, false)["E-101"]; !ok {
		t.Error("expected is_mixer to satisfy the mixer list")
	}

	scam := transfer("0x3", "0xUnlisted", "0xZ", 100, 0)
	scam.IsKnownScam = true
	if _, ok := evaluate(t, engine, scam, false)["E-105"]; !ok {
		t.Error("expected flag match on is_known_scam")
	}
}

func TestListMatchIsCaseInsensitive(t *testing.T) {
	engine := newTestEngine(t)

	ids := evaluate(t, engine, transfer("0x1", "0XMIXER", "0xX", 100, 0), false)
	if _, ok := ids["E-101"]; !ok {
		t.Error("expected upper-case sender to match the mixer list")
	}
}

func TestExceptionsOverrideFiring(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		want       bool
	}{
		{"plain wallet", "", true},
		{"exchange", "cex", false},
		{"bridge", "bridge", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t)
			tx := transfer("0x1", "0xA", "0xX", 15000, 0)
			tx.EntityType = tt.entityType

			_, fired := evaluate(t, engine, tx, false)["C-003"]
			if fired != tt.want {
				t.Errorf("expected C-003 fired=%v, got %v", tt.want, fired)
			}
		})
	}
}

func TestDynamicBucketScore(t *testing.T) {
	tests := []struct {
		usd       float64
		wantScore float64
		wantFired bool
	}{
		{500, 0, false},
		{1000, 5, true},
		{4999.99, 5, true},
		{5000, 10, true},
		{25000, 20, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.usd), func(t *testing.T) {
			engine := newTestEngine(t)
			score, fired := evaluate(t, engine, transfer("0x1", "0xA", "0xX", tt.usd, 0), false)["B-501"]
			if fired != tt.wantFired {
				t.Fatalf("expected fired=%v, got %v", tt.wantFired, fired)
			}
			if score != tt.wantScore {
				t.Errorf("expected score %.0f, got %.0f", tt.wantScore, score)
			}
		})
	}
}

func TestExpressionCondition(t *testing.T) {
	engine := newTestEngine(t)

	if _, ok := evaluate(t, engine, transfer("0x1", "0xA", "0xX", 2000, 0), false)["E-106"]; !ok {
		t.Error("expected round amount to fire E-106")
	}
	if _, ok := evaluate(t, engine, transfer("0x2", "0xA", "0xY", 2500, 0), false)["E-106"]; ok {
		t.Error("expected non-round amount not to fire E-106")
	}
	if _, ok := evaluate(t, engine, transfer("0x3", "0xA", "0xZ", 2000.5, 0), false)["E-106"]; ok {
		t.Error("expected fractional amount not to fire E-106")
	}
}

func TestExpressionReadsExtraFields(t *testing.T) {
	book := &domain.RuleBook{Rules: []domain.Rule{{
		ID:         "X-001",
		Axis:       "E",
		Score:      domain.RuleScore{Raw: 10},
		Conditions: &domain.Condition{Expr: `has(tx.memo) && tx.memo == "gift"`},
	}}}
	engine, err := NewEngine(book, nil, WithClock(clock))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	tx := transfer("0x1", "0xA", "0xX", 10, 0)
	tx.Extra = map[string]any{"memo": "gift"}
	if _, ok := evaluate(t, engine, tx, false)["X-001"]; !ok {
		t.Error("expected expression over tx map to fire")
	}

	if _, ok := evaluate(t, engine, transfer("0x2", "0xA", "0xX", 10, 0), false)["X-001"]; ok {
		t.Error("expected missing field to evaluate false")
	}
}

func TestStructuringWindow(t *testing.T) {
	engine := newTestEngine(t)

	evaluate(t, engine, transfer("0x1", "0xA", "0xX", 3500, 7200), false)
	ids := evaluate(t, engine, transfer("0x2", "0xB", "0xX", 3500, 3600), false)
	if _, ok := ids["B-102"]; ok {
		t.Fatal("expected B-102 not to fire with two transfers")
	}

	ids = evaluate(t, engine, transfer("0x3", "0xC", "0xX", 3500, 0), false)
	if _, ok := ids["B-102"]; !ok {
		t.Error("expected B-102 to fire on the third sub-threshold transfer")
	}

	ids = evaluate(t, engine, transfer("0x4", "0xD", "0xX", 12000, 0), false)
	if _, ok := ids["B-102"]; ok {
		t.Error("expected the conditions clause to block B-102 above the reporting threshold")
	}
}

func TestFanOutBucket(t *testing.T) {
	engine := newTestEngine(t)

	var ids map[string]float64
	for i := 0; i < 5; i++ {
		ids = evaluate(t, engine, transfer(fmt.Sprintf("0x%d", i), "0xHub", fmt.Sprintf("0xR%d", i), 50, int64(10+i)), false)
		if _, ok := ids["B-203"]; ok && i < 4 {
			t.Fatalf("expected B-203 not to fire after %d recipients", i+1)
		}
	}
	if _, ok := ids["B-203"]; !ok {
		t.Error("expected B-203 to fire at five distinct recipients")
	}
}

func TestInterarrivalPrerequisite(t *testing.T) {
	engine := newTestEngine(t)

	var ids map[string]float64
	for i := 0; i < 10; i++ {
		ids = evaluate(t, engine, transfer(fmt.Sprintf("0x%d", i), "0xBot", "0xX", 10, int64(600-60*i)), false)
		if _, ok := ids["B-103"]; ok && i < 9 {
			t.Fatalf("expected B-103 not to fire with %d transfers", i+1)
		}
	}
	if _, ok := ids["B-103"]; !ok {
		t.Error("expected B-103 to fire on a clock-like cadence")
	}
}

func TestInterarrivalIrregularCadence(t *testing.T) {
	engine := newTestEngine(t)

	offsets := []int64{5000, 4990, 4000, 3950, 2000, 1990, 1000, 700, 100, 0}
	var ids map[string]float64
	for i, off := range offsets {
		ids = evaluate(t, engine, transfer(fmt.Sprintf("0x%d", i), "0xA", "0xX", 10, off), false)
	}
	if _, ok := ids["B-103"]; ok {
		t.Error("expected B-103 not to fire on an irregular cadence")
	}
}

func TestTopologyRequiresFlag(t *testing.T) {
	engine := newTestEngine(t)

	evaluate(t, engine, transfer("0x1", "0xA", "0xB", 500, 60), false)
	back := transfer("0x2", "0xB", "0xA", 500, 0)

	if _, ok := evaluate(t, engine, back, false)["B-202"]; ok {
		t.Error("expected B-202 to be skipped without includeTopology")
	}
	if _, ok := evaluate(t, engine, back, true)["B-202"]; !ok {
		t.Error("expected B-202 to fire on a two-hop cycle with includeTopology")
	}
}

func TestLayeringUsesContext(t *testing.T) {
	engine := newTestEngine(t)

	chain := []*domain.Transaction{
		transfer("0x2", "0xT", "0x1", 1000, 50),
		transfer("0x3", "0x1", "0x2", 990, 40),
		transfer("0x4", "0x2", "0x3", 1010, 30),
	}
	tx := transfer("0x1", "0xSrc", "0xT", 1000, 60)
	tx.TargetAddress = "0xT"

	res, err := engine.Evaluate(context.Background(), tx, Options{IncludeTopology: true, Context: chain})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if _, ok := firedIDs(res.Fired)["B-201"]; !ok {
		t.Error("expected B-201 to fire on a steady three-hop chain")
	}
}

func TestStatefulRulesSkipped(t *testing.T) {
	engine := newTestEngine(t)

	if _, ok := evaluate(t, engine, transfer("0x1", "0xA", "0xX", 100, 0), true)["S-001"]; ok {
		t.Error("expected stateful rule S-001 to be skipped")
	}
}

func TestEvaluate_CancelledDuringGraphWork(t *testing.T) {
	engine := newTestEngine(t)
	evaluate(t, engine, transfer("0x1", "0xA", "0xB", 500, 60), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Evaluate(ctx, transfer("0x2", "0xB", "0xA", 500, 0), Options{IncludeTopology: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEvaluate_Features(t *testing.T) {
	engine := newTestEngine(t)

	for i := 0; i < 4; i++ {
		evaluate(t, engine, transfer(fmt.Sprintf("0x%d", i), fmt.Sprintf("0xS%d", i), "0xX", 100, int64(500-i*100)), false)
	}
	res, err := engine.Evaluate(context.Background(), transfer("0x9", "0xSDN", "0xX", 100, 0), Options{IncludeFeatures: true})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	f := res.Features
	if f[domain.FeatureFanInCount] != 5 {
		t.Errorf("expected fan_in_count 5, got %v", f[domain.FeatureFanInCount])
	}
	if f[domain.FeatureHistorySize] != 5 {
		t.Errorf("expected history_size 5, got %v", f[domain.FeatureHistorySize])
	}
	if f[domain.FeatureSDNPPR] <= 0 {
		t.Errorf("expected positive sdn_ppr, got %v", f[domain.FeatureSDNPPR])
	}
	if f[domain.FeaturePatternScore] < 15 {
		t.Errorf("expected fan-in pattern score, got %v", f[domain.FeaturePatternScore])
	}
	for _, key := range []string{domain.FeatureMLScore, domain.FeatureNTheta, domain.FeatureNOmega, domain.FeatureIsBipartite} {
		if _, ok := f[key]; !ok {
			t.Errorf("expected feature %s", key)
		}
	}
}

func TestFiredRulePairsRoundTrip(t *testing.T) {
	fired := []domain.FiredRule{
		{RuleID: "C-001", Score: 50},
		{RuleID: "B-501", Score: 12.7},
	}

	back := domain.FromPairs(domain.ToPairs(fired))
	if len(back) != len(fired) {
		t.Fatalf("expected %d rules, got %d", len(fired), len(back))
	}
	for i := range fired {
		if back[i].RuleID != fired[i].RuleID {
			t.Errorf("expected rule id %s, got %s", fired[i].RuleID, back[i].RuleID)
		}
		if back[i].Score != float64(int(fired[i].Score)) {
			t.Errorf("expected score %d, got %v", int(fired[i].Score), back[i].Score)
		}
	}
}

func TestIsolatedHistory(t *testing.T) {
	engine := newTestEngine(t)
	iso := engine.Isolated()

	evaluate(t, iso, transfer("0x1", "0xA", "0xX", 100, 0), false)
	if engine.History().Len() != 0 {
		t.Errorf("expected shared engine history untouched, got %d entries", engine.History().Len())
	}
	if iso.History().Len() != 1 {
		t.Errorf("expected 1 isolated entry, got %d", iso.History().Len())
	}
}

func TestSweep(t *testing.T) {
	now := fixedNow
	var mu sync.Mutex
	book, _ := rulebook.Default()
	engine, err := NewEngine(book, testLists(), WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	evaluate(t, engine, transfer("0x1", "0xA", "0xX", 100, 0), false)

	mu.Lock()
	now = now.Add(400 * 24 * time.Hour)
	mu.Unlock()

	if removed := engine.Sweep(); removed == 0 {
		t.Error("expected expired entries to be swept")
	}
	if engine.History().Len() != 0 {
		t.Errorf("expected empty history, got %d entries", engine.History().Len())
	}
}

func TestParallelEvaluation(t *testing.T) {
	engine := newTestEngine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := transfer(fmt.Sprintf("0x%d", i), "0xA", fmt.Sprintf("0xR%d", i%10), 100, int64(i))
			if _, err := engine.EvaluateTransaction(context.Background(), tx, true); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if engine.History().Len() != 50 {
		t.Errorf("expected 50 history entries, got %d", engine.History().Len())
	}
}

func TestAxisSummary(t *testing.T) {
	fired := []domain.FiredRule{
		{RuleID: "C-001", Axis: "C", Score: 50},
		{RuleID: "E-101", Axis: "E", Score: 40},
		{RuleID: "C-002", Axis: "C", Score: 25},
		{RuleID: "B-501", Score: 5},
	}

	summary := AxisSummary(fired)
	if len(summary) != 3 {
		t.Fatalf("expected 3 axes, got %d", len(summary))
	}
	if summary[0].Axis != "B" || summary[1].Axis != "C" || summary[2].Axis != "E" {
		t.Errorf("expected axes B, C, E, got %s, %s, %s", summary[0].Axis, summary[1].Axis, summary[2].Axis)
	}
	if summary[1].Score != 75 || summary[1].Count != 2 {
		t.Errorf("expected C score 75 over 2 rules, got %.0f over %d", summary[1].Score, summary[1].Count)
	}
}
