package domain

import (
	"fmt"
	"strings"
)

// RuleBook is the parsed, process-lifetime rule set.
type RuleBook struct {
	Version  string       `yaml:"version" json:"version"`
	Defaults RuleDefaults `yaml:"defaults,omitempty" json:"defaults"`
	Rules    []Rule       `yaml:"rules" json:"rules"`
}

// RuleDefaults fill in rule fields left empty in the rule-book.
type RuleDefaults struct {
	Axis     string `yaml:"axis,omitempty" json:"axis,omitempty"`
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// Built-in defaults used when the rule-book declares none.
const (
	DefaultAxis     = "B"
	DefaultSeverity = "MEDIUM"
)

// Rule is one declarative rule-book entry. Exactly one aggregation strategy
// applies; it is resolved once by Classify and stored in Kind.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name,omitempty" json:"name,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Axis        string    `yaml:"axis,omitempty" json:"axis,omitempty"`
	Severity    string    `yaml:"severity,omitempty" json:"severity,omitempty"`
	Score       RuleScore `yaml:"score" json:"score"`

	Match      *MatchClause `yaml:"match,omitempty" json:"match,omitempty"`
	Conditions *Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Exceptions *Condition   `yaml:"exceptions,omitempty" json:"exceptions,omitempty"`

	Window        *WindowSpec       `yaml:"window,omitempty" json:"window,omitempty"`
	Bucket        *BucketSpec       `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Aggregations  []Aggregation     `yaml:"aggregations,omitempty" json:"aggregations,omitempty"`
	Topology      *TopologySpec     `yaml:"topology,omitempty" json:"topology,omitempty"`
	Prerequisites *Prerequisites    `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Buckets       *ScoreTable       `yaml:"buckets,omitempty" json:"buckets,omitempty"`
	PPR           *PPRGate          `yaml:"ppr,omitempty" json:"ppr,omitempty"`
	State         map[string]any    `yaml:"state,omitempty" json:"state,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	Kind RuleKind `yaml:"-" json:"kind"`
}

// DisplayName returns the rule name, falling back to its id.
func (r *Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// RuleKind is the closed set of evaluation strategies.
type RuleKind int

const (
	KindSingle RuleKind = iota
	KindWindow
	KindBucket
	KindTopology
	KindDynamicBucket
	KindStatsPrerequisite
	KindStateful
)

var kindNames = map[RuleKind]string{
	KindSingle:            "single",
	KindWindow:            "window",
	KindBucket:            "bucket",
	KindTopology:          "topology",
	KindDynamicBucket:     "dynamic_bucket",
	KindStatsPrerequisite: "stats_prerequisite",
	KindStateful:          "stateful",
}

func (k RuleKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name.
func (k RuleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Rule ids with bespoke handling. Shape-based classification covers the
// same behavior for any other id carrying the matching block.
const (
	RuleIndirectSanctions = "C-002"
	RuleInterarrival      = "B-103"
	RuleLayering          = "B-201"
	RuleCycle             = "B-202"
	RuleHighValueBuckets  = "B-501"
)

// Classify resolves the rule's strategy from the blocks it declares and
// fills in the defaults the special ids imply.
func (r *Rule) Classify() RuleKind {
	switch r.ID {
	case RuleIndirectSanctions:
		if r.PPR == nil {
			r.PPR = &PPRGate{List: ListSDN, Gte: DefaultPPRGate}
		}
	case RuleLayering:
		if r.Topology == nil {
			r.Topology = &TopologySpec{LayeringChain: &LayeringSpec{}}
		}
	case RuleCycle:
		if r.Topology == nil {
			r.Topology = &TopologySpec{Cycle: &CycleSpec{}}
		}
	case RuleInterarrival:
		if r.Prerequisites == nil {
			r.Prerequisites = &Prerequisites{}
		}
	}

	switch {
	case r.State != nil:
		r.Kind = KindStateful
	case r.Topology != nil:
		r.Kind = KindTopology
	case r.Score.IsDynamic() || (r.Buckets != nil && len(r.Buckets.Ranges) > 0 && r.Bucket == nil):
		r.Kind = KindDynamicBucket
	case r.Prerequisites != nil:
		r.Kind = KindStatsPrerequisite
	case r.Bucket != nil:
		r.Kind = KindBucket
	case r.Window != nil || len(r.Aggregations) > 0:
		r.Kind = KindWindow
	default:
		r.Kind = KindSingle
	}
	return r.Kind
}

// RuleScore holds the raw score literal: a number, a numeric string, or "dynamic".
type RuleScore struct {
	Raw any
}

// UnmarshalYAML keeps the literal as decoded.
func (s *RuleScore) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshal(&s.Raw)
}

// MarshalYAML emits the literal.
func (s RuleScore) MarshalYAML() (any, error) {
	return s.Raw, nil
}

// UnmarshalJSON keeps the literal as decoded.
func (s *RuleScore) UnmarshalJSON(b []byte) error {
	return jsonUnmarshalAny(b, &s.Raw)
}

// MarshalJSON emits the literal.
func (s RuleScore) MarshalJSON() ([]byte, error) {
	return jsonMarshalAny(s.Raw)
}

// IsDynamic reports whether the score is resolved from a range table.
func (s RuleScore) IsDynamic() bool {
	str, ok := s.Raw.(string)
	return ok && strings.EqualFold(strings.TrimSpace(str), "dynamic")
}

// Value coerces the literal to a finite score >= 0. Non-numeric literals yield 0.
func (s RuleScore) Value() float64 {
	v := ToFloat(s.Raw)
	if v < 0 {
		return 0
	}
	return v
}

// MatchClause is an any/all composition of list-membership and flag checks.
type MatchClause struct {
	Any    []MatchClause `yaml:"any,omitempty" json:"any,omitempty"`
	All    []MatchClause `yaml:"all,omitempty" json:"all,omitempty"`
	InList *InListSpec   `yaml:"in_list,omitempty" json:"in_list,omitempty"`
	Flag   string        `yaml:"flag,omitempty" json:"flag,omitempty"`
}

// InListSpec tests a field value against a named address list.
type InListSpec struct {
	Field string `yaml:"field" json:"field"`
	List  string `yaml:"list" json:"list"`
}

// Condition is a comparison predicate tree. "all" is checked before "any";
// a leaf is decided by its first present operator in gte, lte, gt, lt, eq, expr order.
type Condition struct {
	All  []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any  []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Gte  *Comparison `yaml:"gte,omitempty" json:"gte,omitempty"`
	Lte  *Comparison `yaml:"lte,omitempty" json:"lte,omitempty"`
	Gt   *Comparison `yaml:"gt,omitempty" json:"gt,omitempty"`
	Lt   *Comparison `yaml:"lt,omitempty" json:"lt,omitempty"`
	Eq   *Comparison `yaml:"eq,omitempty" json:"eq,omitempty"`
	Expr string      `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Comparison compares a named field against a literal.
type Comparison struct {
	Field string `yaml:"field" json:"field"`
	Value any    `yaml:"value" json:"value"`
}

// WindowSpec is a sliding window relative to the current transaction.
type WindowSpec struct {
	DurationSec int64    `yaml:"duration_sec" json:"duration_sec"`
	GroupBy     []string `yaml:"group_by,omitempty" json:"group_by,omitempty"`
}

// BucketSpec is a fixed-size, left-aligned time bucket.
type BucketSpec struct {
	SizeSec int64    `yaml:"size_sec,omitempty" json:"size_sec,omitempty"`
	Group   []string `yaml:"group,omitempty" json:"group,omitempty"`
}

// DefaultBucketSize is used when a bucket omits size_sec.
const DefaultBucketSize = 600

// Size returns the bucket width in seconds.
func (b *BucketSpec) Size() int64 {
	if b == nil || b.SizeSec <= 0 {
		return DefaultBucketSize
	}
	return b.SizeSec
}

// Aggregation is one clause keyed by operator name. A clause carrying no
// recognized operator evaluates to false.
type Aggregation struct {
	SumGte      *AggSpec `yaml:"sum_gte,omitempty" json:"sum_gte,omitempty"`
	CountGte    *AggSpec `yaml:"count_gte,omitempty" json:"count_gte,omitempty"`
	EveryGte    *AggSpec `yaml:"every_gte,omitempty" json:"every_gte,omitempty"`
	AnyGte      *AggSpec `yaml:"any_gte,omitempty" json:"any_gte,omitempty"`
	DistinctGte *AggSpec `yaml:"distinct_gte,omitempty" json:"distinct_gte,omitempty"`
	AvgGte      *AggSpec `yaml:"avg_gte,omitempty" json:"avg_gte,omitempty"`
}

// AggSpec is an operator's field and threshold.
type AggSpec struct {
	Field string  `yaml:"field,omitempty" json:"field,omitempty"`
	Value float64 `yaml:"value" json:"value"`
}

// TopologySpec holds exactly one of the graph searches.
type TopologySpec struct {
	LayeringChain *LayeringSpec `yaml:"layering_chain,omitempty" json:"layering_chain,omitempty"`
	Cycle         *CycleSpec    `yaml:"cycle,omitempty" json:"cycle,omitempty"`
}

// LayeringSpec configures the layering-chain search. Zero values take defaults.
type LayeringSpec struct {
	SameToken            bool    `yaml:"same_token,omitempty" json:"same_token,omitempty"`
	HopLengthGte         int     `yaml:"hop_length_gte,omitempty" json:"hop_length_gte,omitempty"`
	HopAmountDeltaPctLte float64 `yaml:"hop_amount_delta_pct_lte,omitempty" json:"hop_amount_delta_pct_lte,omitempty"`
	MinUSDValue          float64 `yaml:"min_usd_value,omitempty" json:"min_usd_value,omitempty"`
}

// CycleSpec configures the cycle search. Zero values take defaults.
type CycleSpec struct {
	SameToken        bool    `yaml:"same_token,omitempty" json:"same_token,omitempty"`
	CycleLengthIn    []int   `yaml:"cycle_length_in,omitempty" json:"cycle_length_in,omitempty"`
	CycleTotalUSDGte float64 `yaml:"cycle_total_usd_gte,omitempty" json:"cycle_total_usd_gte,omitempty"`
}

// Prerequisites is the minimum sample required before statistics are computed.
type Prerequisites struct {
	MinEdges int `yaml:"min_edges,omitempty" json:"min_edges,omitempty"`
}

// DefaultMinEdges is the prerequisite sample size when unset.
const DefaultMinEdges = 10

// MinSample returns the effective minimum sample.
func (p *Prerequisites) MinSample() int {
	if p == nil || p.MinEdges <= 0 {
		return DefaultMinEdges
	}
	return p.MinEdges
}

// ScoreTable maps a numeric field to a score through ordered ranges.
type ScoreTable struct {
	Field  string       `yaml:"field,omitempty" json:"field,omitempty"`
	Ranges []ScoreRange `yaml:"ranges" json:"ranges"`
}

// ScoreRange covers [Min, Max). A nil Max is unbounded.
type ScoreRange struct {
	Min   float64  `yaml:"min" json:"min"`
	Max   *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Score float64  `yaml:"score" json:"score"`
}

// Resolve returns the score of the first range containing v, or 0.
func (t *ScoreTable) Resolve(v float64) float64 {
	if t == nil {
		return 0
	}
	for _, r := range t.Ranges {
		if v < r.Min {
			continue
		}
		if r.Max != nil && v >= *r.Max {
			continue
		}
		if r.Score < 0 {
			return 0
		}
		return r.Score
	}
	return 0
}

// PPRGate requires PPR exposure from a named list to reach a threshold.
type PPRGate struct {
	List string  `yaml:"list,omitempty" json:"list,omitempty"`
	Gte  float64 `yaml:"gte,omitempty" json:"gte,omitempty"`
}

// DefaultPPRGate is the indirect-exposure threshold.
const DefaultPPRGate = 0.05

// Well-known address list names.
const (
	ListSDN    = "SDN_LIST"
	ListMixer  = "MIXER_LIST"
	ListBridge = "BRIDGE_LIST"
	ListCEX    = "CEX_LIST"
)
