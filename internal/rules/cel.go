package rules

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/rulebook"
)

// celVars are the top-level variables available to expr conditions, with
// the zero value used when a transaction does not carry the field.
var celVars = []struct {
	name string
	typ  *cel.Type
	zero any
}{
	{"usd_value", cel.DoubleType, 0.0},
	{"amount_usd", cel.DoubleType, 0.0},
	{"amount", cel.DoubleType, 0.0},
	{"value", cel.DoubleType, 0.0},
	{"timestamp", cel.IntType, int64(0)},
	{"block_height", cel.IntType, int64(0)},
	{"chain", cel.StringType, ""},
	{"from", cel.StringType, ""},
	{"to", cel.StringType, ""},
	{"asset_contract", cel.StringType, ""},
	{"entity_type", cel.StringType, ""},
	{"label", cel.StringType, ""},
	{"is_sanctioned", cel.BoolType, false},
	{"is_known_scam", cel.BoolType, false},
	{"is_mixer", cel.BoolType, false},
	{"is_bridge", cel.BoolType, false},
	{domain.FeatureInterarrivalStd, cel.DoubleType, 0.0},
	{domain.FeatureInterarrivalMean, cel.DoubleType, 0.0},
}

// newCELEnv creates the CEL environment shared by every expression.
func newCELEnv() (*cel.Env, error) {
	opts := []cel.EnvOption{cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType))}
	for _, v := range celVars {
		opts = append(opts, cel.Variable(v.name, v.typ))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compileExpressions compiles every expr leaf of the book, keyed by source.
func compileExpressions(env *cel.Env, book *domain.RuleBook) (map[string]cel.Program, error) {
	programs := make(map[string]cel.Program)
	var walk func(ruleID string, c *domain.Condition) error
	walk = func(ruleID string, c *domain.Condition) error {
		if c == nil {
			return nil
		}
		for i := range c.All {
			if err := walk(ruleID, &c.All[i]); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := walk(ruleID, &c.Any[i]); err != nil {
				return err
			}
		}
		if c.Expr == "" {
			return nil
		}
		if _, done := programs[c.Expr]; done {
			return nil
		}
		prg, err := compileExpression(env, c.Expr)
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", rulebook.ErrRuleBookInvalid, ruleID, err)
		}
		programs[c.Expr] = prg
		return nil
	}

	for i := range book.Rules {
		r := &book.Rules[i]
		if err := walk(r.ID, r.Conditions); err != nil {
			return nil, err
		}
		if err := walk(r.ID, r.Exceptions); err != nil {
			return nil, err
		}
	}
	return programs, nil
}

func compileExpression(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", expr, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression %q must return bool, int, or double, got %s", expr, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}
	return program, nil
}

// activation builds the CEL inputs from a predicate field map.
func activation(fields map[string]any) map[string]any {
	act := make(map[string]any, len(celVars)+1)
	for _, v := range celVars {
		val, ok := fields[v.name]
		if !ok || !sameKind(val, v.zero) {
			val = v.zero
		}
		act[v.name] = val
	}
	act["tx"] = fields
	return act
}

func sameKind(val, zero any) bool {
	switch zero.(type) {
	case float64:
		_, ok := val.(float64)
		return ok
	case int64:
		_, ok := val.(int64)
		return ok
	case string:
		_, ok := val.(string)
		return ok
	case bool:
		_, ok := val.(bool)
		return ok
	}
	return false
}

// evalExpr runs a compiled expression. Evaluation errors are per-event
// data problems and count as false.
func (e *Engine) evalExpr(expr string, fields map[string]any) bool {
	prg, ok := e.programs[expr]
	if !ok {
		return false
	}
	out, _, err := prg.Eval(activation(fields))
	if err != nil {
		slog.Debug("expression evaluation failed", "expr", expr, "error", err)
		return false
	}
	return toScore(out) != 0
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
