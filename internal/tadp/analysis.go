package tadp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/rules"
)

// Weights of the recent and older transaction averages in an address score.
const (
	recentWeight   = 0.7
	olderWeight    = 0.3
	recentFraction = 0.3
)

// explainedRules are described, in this order, when they fired.
var explainedRules = []string{"E-101", "C-001", "C-003", "C-004", "B-101"}

// AnalyzeAddress replays an address's transactions, oldest first, through
// an isolated copy of engine and scores the address as a whole.
func (p *Processor) AnalyzeAddress(ctx context.Context, engine *rules.Engine, address, chain string, txs []*domain.Transaction) (*domain.AddressAnalysis, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	result := &domain.AddressAnalysis{
		ID:          uuid.New().String(),
		Address:     address,
		Chain:       chain,
		RiskLevel:   domain.RiskLow,
		RiskTags:    []string{},
		FiredRules:  []domain.RulePair{},
		Axes:        []domain.AxisScore{},
		Timeline:    []domain.TimelineEntry{},
		ProcessedAt: p.now().UTC(),
	}
	if len(txs) == 0 {
		result.Explanation = "No transactions to analyze; risk is low."
		return result, nil
	}

	sorted := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx != nil {
			sorted = append(sorted, forAddress(tx, address))
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Unix() < sorted[j].Unix() })

	iso := engine.Isolated()
	opts := rules.Options{IncludeTopology: p.AnalyzeTopology, Context: sorted, Source: "analyze"}

	var all []domain.FiredRule
	scores := make([]float64, 0, len(sorted))
	for _, tx := range sorted {
		res, err := iso.Evaluate(ctx, tx, opts)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", tx.TxHash, err)
		}
		txScore := domain.TotalScore(res.Fired)
		scores = append(scores, txScore)
		all = append(all, res.Fired...)

		ids := make([]string, 0, len(res.Fired))
		for _, f := range res.Fired {
			ids = append(ids, f.RuleID)
		}
		result.Timeline = append(result.Timeline, domain.TimelineEntry{
			TxHash:     tx.TxHash,
			Timestamp:  tx.Timestamp,
			RiskScore:  math.Min(MaxScore, txScore),
			FiredRules: ids,
		})
	}

	result.RiskScore = FinalScore(scores)
	result.RiskLevel = domain.LevelFor(result.RiskScore)
	latest := latestFirings(all)
	result.FiredRules = domain.ToPairs(latest)
	result.Axes = rules.AxisSummary(latest)
	result.RiskTags = RiskTags(all)
	result.Patterns = patternCounts(sorted, all)
	result.Summary = summarize(address, sorted)
	result.Explanation = explainAddress(result.FiredRules, names(engine), result.RiskLevel)
	return result, nil
}

// forAddress copies tx with the analysed address as its target and as the
// receiver when the payload names none.
func forAddress(tx *domain.Transaction, address string) *domain.Transaction {
	c := *tx
	if c.To == "" && c.TargetAddress == "" {
		c.To = address
	}
	c.TargetAddress = address
	if c.Chain == "" {
		c.Chain = tx.Chain
	}
	return &c
}

// FinalScore is the larger of the peak transaction score and a
// recency-weighted average, capped at 100. The most recent 30% of
// transactions (at least one) count as recent.
func FinalScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	peak := scores[0]
	for _, s := range scores[1:] {
		peak = math.Max(peak, s)
	}
	if len(scores) == 1 {
		return math.Min(MaxScore, peak)
	}

	recentCount := int(float64(len(scores)) * recentFraction)
	if recentCount < 1 {
		recentCount = 1
	}
	recent := scores[len(scores)-recentCount:]
	older := scores[:len(scores)-recentCount]
	weighted := recentWeight*average(recent) + olderWeight*average(older)
	return math.Min(MaxScore, math.Max(peak, weighted))
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var total float64
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}

// AggregateRules collapses repeated firings into one {rule_id, score} pair
// per rule, in first-fired order, keeping the last score seen.
func AggregateRules(fired []domain.FiredRule) []domain.RulePair {
	return domain.ToPairs(latestFirings(fired))
}

func latestFirings(fired []domain.FiredRule) []domain.FiredRule {
	index := make(map[string]int)
	var latest []domain.FiredRule
	for _, f := range fired {
		if f.RuleID == "" {
			continue
		}
		if i, ok := index[f.RuleID]; ok {
			latest[i] = f
			continue
		}
		index[f.RuleID] = len(latest)
		latest = append(latest, f)
	}
	return latest
}

func patternCounts(txs []*domain.Transaction, fired []domain.FiredRule) domain.PatternCounts {
	var pc domain.PatternCounts
	for _, tx := range txs {
		usd := tx.USD()
		if tx.IsMixer {
			pc.MixerExposure++
		}
		if tx.IsSanctioned {
			pc.SanctionedExposure++
		}
		if usd >= 1000 {
			pc.HighValue++
		}
		pc.TotalVolumeUSD += usd
	}
	for _, f := range fired {
		if f.RuleID == "B-101" || f.RuleID == "B-102" {
			pc.BurstPatterns++
		}
	}
	return pc
}

func summarize(address string, txs []*domain.Transaction) domain.AnalysisSummary {
	s := domain.AnalysisSummary{TotalTransactions: len(txs)}
	peers := make(map[string]bool)
	for _, tx := range txs {
		if ts := tx.Timestamp; ts > 0 {
			if s.FirstSeen == 0 || ts < s.FirstSeen {
				s.FirstSeen = ts
			}
			if ts > s.LastSeen {
				s.LastSeen = ts
			}
		}
		from, to := tx.Sender(), tx.Receiver()
		switch address {
		case to:
			s.Inbound++
			if from != "" {
				peers[from] = true
			}
		case from:
			s.Outbound++
			if to != "" {
				peers[to] = true
			}
		}
	}
	s.Counterparties = len(peers)
	return s
}

func names(engine *rules.Engine) map[string]string {
	out := make(map[string]string)
	for _, r := range engine.Rules() {
		out[r.ID] = r.DisplayName()
	}
	return out
}

// explainAddress names the notable rules that fired, falling back to the
// highest-scoring rule.
func explainAddress(pairs []domain.RulePair, ruleNames map[string]string, level domain.RiskLevel) string {
	if len(pairs) == 0 {
		return "Normal transaction pattern; risk is low."
	}
	nameOf := func(id string) string {
		if n, ok := ruleNames[id]; ok {
			return n
		}
		return id
	}

	fired := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		fired[p.RuleID] = true
	}
	var parts []string
	for _, id := range explainedRules {
		if fired[id] {
			parts = append(parts, nameOf(id)+" pattern detected")
		}
	}
	if len(parts) == 0 {
		top := pairs[0]
		for _, p := range pairs[1:] {
			if p.Score > top.Score {
				top = p
			}
		}
		parts = append(parts, nameOf(top.RuleID)+" rule fired")
	}

	text := strings.Join(parts, ", ")
	if level == domain.RiskLow {
		return text + "; classified as low risk."
	}
	return fmt.Sprintf("%s; classified as %s risk.", text, level)
}
