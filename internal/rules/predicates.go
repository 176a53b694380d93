package rules

import (
	"strings"

	"github.com/opensource-finance/tracex/internal/domain"
)

// listShortcuts maps a list to the transaction flag that also satisfies
// membership in it.
var listShortcuts = map[string]string{
	domain.ListSDN:   "is_sanctioned",
	domain.ListMixer: "is_mixer",
}

// matches evaluates a match clause. An absent clause always matches.
func (e *Engine) matches(m *domain.MatchClause, fields map[string]any) bool {
	if m == nil {
		return true
	}
	return e.matchClause(m, fields)
}

func (e *Engine) matchClause(m *domain.MatchClause, fields map[string]any) bool {
	switch {
	case len(m.Any) > 0:
		for i := range m.Any {
			if e.matchClause(&m.Any[i], fields) {
				return true
			}
		}
		return false
	case len(m.All) > 0:
		for i := range m.All {
			if !e.matchClause(&m.All[i], fields) {
				return false
			}
		}
		return true
	case m.InList != nil:
		return e.inList(m.InList, fields)
	case m.Flag != "":
		return truthy(fields[m.Flag])
	}
	return false
}

func (e *Engine) inList(spec *domain.InListSpec, fields map[string]any) bool {
	if flag, ok := listShortcuts[spec.List]; ok && truthy(fields[flag]) {
		return true
	}
	if spec.Field == "" {
		return false
	}
	value, _ := fields[spec.Field].(string)
	value = strings.ToLower(value)
	if value == "" {
		return false
	}
	set := e.lists.Get(spec.List)
	return set != nil && set.Contains(value)
}

// holds evaluates a conditions or exceptions tree.
func (e *Engine) holds(c *domain.Condition, fields map[string]any) bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !e.holds(&c.All[i], fields) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if e.holds(&c.Any[i], fields) {
				return true
			}
		}
		return false
	case c.Gte != nil:
		return number(fields, c.Gte.Field) >= domain.ToFloat(c.Gte.Value)
	case c.Lte != nil:
		return number(fields, c.Lte.Field) <= domain.ToFloat(c.Lte.Value)
	case c.Gt != nil:
		return number(fields, c.Gt.Field) > domain.ToFloat(c.Gt.Value)
	case c.Lt != nil:
		return number(fields, c.Lt.Field) < domain.ToFloat(c.Lt.Value)
	case c.Eq != nil:
		return equal(fields[c.Eq.Field], c.Eq.Value)
	case c.Expr != "":
		return e.evalExpr(c.Expr, fields)
	}
	return false
}

// conditionsHold treats an absent tree as satisfied.
func (e *Engine) conditionsHold(c *domain.Condition, fields map[string]any) bool {
	return c == nil || e.holds(c, fields)
}

// excepted treats an absent tree as not excepted.
func (e *Engine) excepted(c *domain.Condition, fields map[string]any) bool {
	return c != nil && e.holds(c, fields)
}

// number reads a field as a float. Missing fields are 0.
func number(fields map[string]any, field string) float64 {
	return domain.ToFloat(fields[field])
}

// equal compares numerically when both sides are numbers, otherwise as
// strings.
func equal(got, want any) bool {
	if isNumeric(got) && isNumeric(want) {
		return domain.ToFloat(got) == domain.ToFloat(want)
	}
	if gb, ok := got.(bool); ok {
		wb, ok := want.(bool)
		return ok && gb == wb
	}
	gs, ok := got.(string)
	if !ok {
		return false
	}
	ws, ok := want.(string)
	return ok && gs == ws
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint64, float32, float64, domain.Number, domain.Timestamp:
		return true
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true")
	case nil:
		return false
	}
	return domain.ToFloat(v) != 0
}
