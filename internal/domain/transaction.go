package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// NativeDivisor converts native chain units (wei) into a whole-coin proxy amount.
const NativeDivisor = 1e18

// Transaction is a single observed transfer as delivered by the ingestion backend.
// Every field is optional; evaluation degrades instead of failing on missing data.
type Transaction struct {
	TxHash              string    `json:"tx_hash"`
	From                string    `json:"from,omitempty"`
	To                  string    `json:"to,omitempty"`
	TargetAddress       string    `json:"target_address,omitempty"`
	CounterpartyAddress string    `json:"counterparty_address,omitempty"`
	Timestamp           Timestamp `json:"timestamp"`

	// Amounts. USDValue and AmountUSD are aliases; Value is in native units.
	USDValue  Number `json:"usd_value,omitempty"`
	AmountUSD Number `json:"amount_usd,omitempty"`
	Value     Number `json:"value,omitempty"`

	Chain         string `json:"chain,omitempty"`
	BlockHeight   int64  `json:"block_height,omitempty"`
	AssetContract string `json:"asset_contract,omitempty"`
	EntityType    string `json:"entity_type,omitempty"`
	Label         string `json:"label,omitempty"`

	// Backend-supplied labels.
	IsSanctioned bool `json:"is_sanctioned,omitempty"`
	IsKnownScam  bool `json:"is_known_scam,omitempty"`
	IsMixer      bool `json:"is_mixer,omitempty"`
	IsBridge     bool `json:"is_bridge,omitempty"`

	// Extra carries free-form fields that rule conditions may reference.
	Extra map[string]any `json:"extra,omitempty"`
}

// USD returns the resolved USD amount: usd_value, else amount_usd.
func (t *Transaction) USD() float64 {
	if v := float64(t.USDValue); v > 0 {
		return v
	}
	if v := float64(t.AmountUSD); v > 0 {
		return v
	}
	return 0
}

// Amount returns the graph weight of the transaction: the USD amount when
// positive, otherwise the native value scaled by NativeDivisor.
func (t *Transaction) Amount() float64 {
	if v := t.USD(); v > 0 {
		return v
	}
	if v := float64(t.Value); v > 0 {
		return v / NativeDivisor
	}
	return 0
}

// Unix returns the normalized timestamp in epoch seconds (0 when unknown).
func (t *Transaction) Unix() int64 {
	return int64(t.Timestamp)
}

// Sender returns the lower-cased source address.
func (t *Transaction) Sender() string {
	if t.From != "" {
		return strings.ToLower(t.From)
	}
	return strings.ToLower(t.CounterpartyAddress)
}

// Receiver returns the lower-cased destination address.
func (t *Transaction) Receiver() string {
	if t.To != "" {
		return strings.ToLower(t.To)
	}
	return strings.ToLower(t.TargetAddress)
}

// Fields returns the logical field map used by rule predicates.
// Extra entries never shadow the typed fields.
func (t *Transaction) Fields() map[string]any {
	f := make(map[string]any, 20+len(t.Extra))
	for k, v := range t.Extra {
		f[k] = v
	}
	f["tx_hash"] = t.TxHash
	f["from"] = t.Sender()
	f["to"] = t.Receiver()
	f["target_address"] = strings.ToLower(t.TargetAddress)
	f["counterparty_address"] = strings.ToLower(t.CounterpartyAddress)
	f["timestamp"] = t.Unix()
	f["usd_value"] = t.USD()
	f["amount_usd"] = t.USD()
	f["value"] = float64(t.Value)
	f["amount"] = t.Amount()
	f["chain"] = t.Chain
	f["block_height"] = t.BlockHeight
	f["asset_contract"] = strings.ToLower(t.AssetContract)
	f["entity_type"] = t.EntityType
	f["label"] = t.Label
	f["is_sanctioned"] = t.IsSanctioned
	f["is_known_scam"] = t.IsKnownScam
	f["is_mixer"] = t.IsMixer
	f["is_bridge"] = t.IsBridge
	return f
}

// Timestamp is an epoch-seconds instant. It decodes from ISO-8601 strings,
// numeric strings, or JSON numbers; anything unparsable decodes to 0.
type Timestamp int64

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp normalizes a raw timestamp value. Naive ISO strings are read as UTC.
func ParseTimestamp(v any) Timestamp {
	switch x := v.(type) {
	case nil:
		return 0
	case Timestamp:
		return x
	case int:
		return Timestamp(x)
	case int64:
		return Timestamp(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return Timestamp(int64(x))
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return Timestamp(n)
		}
		if f, err := x.Float64(); err == nil {
			return ParseTimestamp(f)
		}
		return 0
	case time.Time:
		if x.IsZero() {
			return 0
		}
		return Timestamp(x.Unix())
	case string:
		return parseTimestampString(x)
	default:
		return 0
	}
}

func parseTimestampString(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Timestamp(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ParseTimestamp(f)
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return Timestamp(ts.Unix())
		}
	}
	return 0
}

// UnmarshalJSON never fails: malformed input yields 0.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*t = 0
			return nil
		}
		*t = parseTimestampString(s)
		return nil
	}
	*t = ParseTimestamp(json.Number(string(b)))
	return nil
}

// Time returns the instant as UTC time, or the zero time when unknown.
func (t Timestamp) Time() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t), 0).UTC()
}

// Number is a finite non-NaN float that also decodes from numeric strings.
type Number float64

// ToFloat coerces a loosely typed value to a finite float64.
// Non-numeric input and NaN/Inf resolve to 0.
func ToFloat(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case Number:
		f = float64(x)
	case Timestamp:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case json.Number:
		f, _ = x.Float64()
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func jsonUnmarshalAny(b []byte, v *any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if n, ok := raw.(json.Number); ok {
		f, _ := n.Float64()
		raw = f
	}
	*v = raw
	return nil
}

func jsonMarshalAny(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalJSON accepts numbers and numeric strings. Anything else yields 0.
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*n = 0
			return nil
		}
		*n = Number(ToFloat(s))
		return nil
	}
	*n = Number(ToFloat(json.Number(string(b))))
	return nil
}
