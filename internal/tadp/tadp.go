// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP turns fired rules into a bounded risk score, a risk level, tags and
// an explanation.
package tadp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tracex/internal/domain"
)

// MaxScore caps every risk score.
const MaxScore = 100.0

// Processor aggregates fired rules and produces a final decision.
type Processor struct {
	// AlertLevel is the lowest risk level that raises an alert.
	AlertLevel domain.RiskLevel

	// AnalyzeTopology enables the topology rules when replaying an
	// address history.
	AnalyzeTopology bool

	now func() time.Time
}

// NewProcessor creates a processor that alerts at high risk and above.
func NewProcessor() *Processor {
	return &Processor{
		AlertLevel: domain.RiskHigh,
		now:        time.Now,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	Transaction *domain.Transaction
	Fired       []domain.FiredRule
	Features    domain.Features
	StartTime   time.Time
}

// Process sums the fired rule scores, capped at 100, and classifies the
// result.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.ScoringResult {
	tx := input.Transaction
	if tx == nil {
		tx = &domain.Transaction{}
	}
	fired := input.Fired
	if fired == nil {
		fired = []domain.FiredRule{}
	}

	score := Score(fired)
	level := domain.LevelFor(score)

	result := &domain.ScoringResult{
		ID:          uuid.New().String(),
		TxHash:      tx.TxHash,
		Address:     tx.Receiver(),
		Chain:       tx.Chain,
		RiskScore:   score,
		RiskLevel:   level,
		RiskTags:    RiskTags(fired),
		FiredRules:  fired,
		Explanation: explainTransaction(tx, level),
		Features:    input.Features,
		ProcessedAt: p.now().UTC(),
	}
	result.Alert = level.AtLeast(p.AlertLevel)
	if !input.StartTime.IsZero() {
		result.DurationMs = time.Since(input.StartTime).Milliseconds()
	}
	return result
}

// Score is the capped sum of the fired rule scores.
func Score(fired []domain.FiredRule) float64 {
	return math.Min(MaxScore, domain.TotalScore(fired))
}

// ShouldAlert returns true if the result should trigger an alert.
func ShouldAlert(result *domain.ScoringResult) bool {
	return result != nil && result.Alert
}

// RiskTags derives the sorted, de-duplicated tags of the fired rules from
// their ids and names.
func RiskTags(fired []domain.FiredRule) []string {
	tags := make(map[string]bool)
	for _, f := range fired {
		for _, tag := range tagsFor(f.RuleID, f.Name) {
			tags[tag] = true
		}
	}
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func tagsFor(ruleID, name string) []string {
	name = strings.ToLower(name)
	var tags []string
	if strings.Contains(name, "mixer") || ruleID == "E-101" {
		tags = append(tags, "mixer_inflow")
	}
	if strings.Contains(name, "sanction") || ruleID == "C-001" || ruleID == domain.RuleIndirectSanctions {
		tags = append(tags, "sanction_exposure")
	}
	if strings.Contains(name, "scam") {
		tags = append(tags, "scam_exposure")
	}
	if strings.Contains(name, "high-value") || ruleID == "C-003" || ruleID == "C-004" {
		tags = append(tags, "high_value_transfer")
	}
	if strings.Contains(name, "bridge") {
		tags = append(tags, "bridge_large_transfer")
	}
	if strings.Contains(name, "cex") {
		tags = append(tags, "cex_inflow")
	}
	if strings.Contains(name, "burst") || ruleID == "B-101" || ruleID == "B-102" {
		tags = append(tags, "suspicious_pattern")
	}
	return tags
}

// explainTransaction describes the transaction's own risk flags.
func explainTransaction(tx *domain.Transaction, level domain.RiskLevel) string {
	usd := tx.USD()
	var parts []string
	if tx.IsMixer {
		parts = append(parts, fmt.Sprintf("1-hop mixer inflow of %s USD", formatUSD(usd)))
	}
	if tx.IsSanctioned {
		parts = append(parts, "transfer with a sanctioned party")
	}
	if tx.IsKnownScam {
		parts = append(parts, "transfer with a known scam address")
	}
	if usd >= 1000 {
		parts = append(parts, fmt.Sprintf("high-value transfer (%s USD)", formatUSD(usd)))
	}
	if tx.IsBridge && usd >= 5000 {
		parts = append(parts, "large bridge transfer")
	}
	if len(parts) == 0 {
		parts = append(parts, "ordinary transfer")
	}
	return fmt.Sprintf("Classified as %s: %s.", level, strings.Join(parts, ", "))
}

// formatUSD renders a whole-dollar amount with thousands separators.
func formatUSD(v float64) string {
	s := fmt.Sprintf("%.0f", math.Abs(v))
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
