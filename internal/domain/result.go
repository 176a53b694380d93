package domain

import (
	"sort"
	"time"
)

// FiredRule is one rule that fired for a transaction.
type FiredRule struct {
	RuleID   string  `json:"rule_id"`
	Score    float64 `json:"score"`
	Axis     string  `json:"axis"`
	Name     string  `json:"name"`
	Severity string  `json:"severity"`
	Source   string  `json:"source,omitempty"`
}

// RulePair is the compact {rule_id, score} wire form consumed downstream.
type RulePair struct {
	RuleID string `json:"rule_id"`
	Score  int    `json:"score"`
}

// ToPairs truncates each fired rule's score to an integer.
func ToPairs(fired []FiredRule) []RulePair {
	pairs := make([]RulePair, 0, len(fired))
	for _, f := range fired {
		pairs = append(pairs, RulePair{RuleID: f.RuleID, Score: int(f.Score)})
	}
	return pairs
}

// FromPairs rebuilds fired rules from wire pairs. Only id and score survive.
func FromPairs(pairs []RulePair) []FiredRule {
	fired := make([]FiredRule, 0, len(pairs))
	for _, p := range pairs {
		fired = append(fired, FiredRule{RuleID: p.RuleID, Score: float64(p.Score)})
	}
	return fired
}

// TotalScore sums the scores of the fired rules.
func TotalScore(fired []FiredRule) float64 {
	var total float64
	for _, f := range fired {
		total += f.Score
	}
	return total
}

// Feature names exposed alongside fired rules.
const (
	FeaturePPR                = "ppr_score"
	FeatureSDNPPR             = "sdn_ppr"
	FeatureMixerPPR           = "mixer_ppr"
	FeatureTotalPPR           = "total_ppr"
	FeaturePatternScore       = "pattern_score"
	FeatureNTheta             = "n_theta"
	FeatureNOmega             = "n_omega"
	FeatureNTS                = "nts"
	FeatureNWS                = "nws"
	FeatureFanIn              = "fan_in"
	FeatureFanInCount         = "fan_in_count"
	FeatureFanOut             = "fan_out"
	FeatureFanOutCount        = "fan_out_count"
	FeatureGatherScatter      = "gather_scatter"
	FeatureGatherScatterCount = "gather_scatter_count"
	FeatureStackPaths         = "stack_paths"
	FeatureIsBipartite        = "is_bipartite"
	FeatureInterarrivalStd    = "interarrival_std"
	FeatureInterarrivalMean   = "interarrival_mean"
	FeatureHistorySize        = "history_size"
	FeatureMLScore            = "ml_score"
)

// Features holds the auxiliary graph and statistics values of an evaluation.
type Features map[string]float64

// Keys returns the feature names in sorted order.
func (f Features) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RiskLevel buckets a 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelFor maps a score to its level: >=80 critical, >=60 high, >=30 medium.
func LevelFor(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return levelRank[l] >= levelRank[other]
}

var levelRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ScoringResult is the decision for a single transaction.
type ScoringResult struct {
	ID          string      `json:"id"`
	TxHash      string      `json:"tx_hash"`
	Address     string      `json:"address,omitempty"`
	Chain       string      `json:"chain,omitempty"`
	RiskScore   float64     `json:"risk_score"`
	RiskLevel   RiskLevel   `json:"risk_level"`
	RiskTags    []string    `json:"risk_tags"`
	FiredRules  []FiredRule `json:"fired_rules"`
	Explanation string      `json:"explanation"`
	Features    Features    `json:"features,omitempty"`
	Alert       bool        `json:"alert"`
	ProcessedAt time.Time   `json:"processed_at"`
	DurationMs  int64       `json:"duration_ms"`
}

// TimelineEntry is the per-transaction view of an address analysis.
type TimelineEntry struct {
	TxHash     string    `json:"tx_hash"`
	Timestamp  Timestamp `json:"timestamp"`
	RiskScore  float64   `json:"risk_score"`
	FiredRules []string  `json:"fired_rules"`
}

// PatternCounts summarizes the replayed transactions of an address.
type PatternCounts struct {
	MixerExposure      int     `json:"mixer_exposure_count"`
	SanctionedExposure int     `json:"sanctioned_exposure_count"`
	HighValue          int     `json:"high_value_count"`
	BurstPatterns      int     `json:"burst_patterns"`
	TotalVolumeUSD     float64 `json:"total_volume_usd"`
}

// AnalysisSummary describes the analysed history.
type AnalysisSummary struct {
	TotalTransactions int       `json:"total_transactions"`
	FirstSeen         Timestamp `json:"first_seen,omitempty"`
	LastSeen          Timestamp `json:"last_seen,omitempty"`
	Counterparties    int       `json:"counterparties"`
	Inbound           int       `json:"inbound"`
	Outbound          int       `json:"outbound"`
}

// AxisScore is the combined contribution of the fired rules on one axis.
type AxisScore struct {
	Axis          string             `json:"axis"`
	Score         float64            `json:"score"`
	Count         int                `json:"count"`
	Contributions []RuleContribution `json:"contributions"`
}

// RuleContribution is one fired rule's share of an axis score.
type RuleContribution struct {
	RuleID string  `json:"rule_id"`
	Score  float64 `json:"score"`
}

// AddressAnalysis is the risk view of one address over its history.
type AddressAnalysis struct {
	ID          string          `json:"id"`
	Address     string          `json:"address"`
	Chain       string          `json:"chain"`
	RiskScore   float64         `json:"risk_score"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	RiskTags    []string        `json:"risk_tags"`
	FiredRules  []RulePair      `json:"fired_rules"`
	Axes        []AxisScore     `json:"axes"`
	Patterns    PatternCounts   `json:"transaction_patterns"`
	Summary     AnalysisSummary `json:"analysis_summary"`
	Timeline    []TimelineEntry `json:"timeline"`
	Explanation string          `json:"explanation"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Evaluation is the persisted record of a scoring decision.
type Evaluation struct {
	ID          string      `json:"id"`
	TxHash      string      `json:"tx_hash"`
	Address     string      `json:"address"`
	RiskScore   float64     `json:"risk_score"`
	RiskLevel   RiskLevel   `json:"risk_level"`
	RiskTags    []string    `json:"risk_tags"`
	FiredRules  []FiredRule `json:"fired_rules"`
	Features    Features    `json:"features,omitempty"`
	Alert       bool        `json:"alert"`
	CreatedAt   time.Time   `json:"created_at"`
	DurationMs  int64       `json:"duration_ms"`
	Explanation string      `json:"explanation"`
}

// EvaluationFrom converts a scoring result into its persisted form.
func EvaluationFrom(r *ScoringResult) *Evaluation {
	return &Evaluation{
		ID:          r.ID,
		TxHash:      r.TxHash,
		Address:     r.Address,
		RiskScore:   r.RiskScore,
		RiskLevel:   r.RiskLevel,
		RiskTags:    r.RiskTags,
		FiredRules:  r.FiredRules,
		Features:    r.Features,
		Alert:       r.Alert,
		CreatedAt:   r.ProcessedAt,
		DurationMs:  r.DurationMs,
		Explanation: r.Explanation,
	}
}
