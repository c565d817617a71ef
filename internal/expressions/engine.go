package expressions

import (
	"context"
	"fmt"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Engine evaluates expressions against a scope built from a run.
// Three implementations: CEL (conditions), Expr (validation logic), GoJQ
// (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles the three engines so callers share compiled-program caches.
type Set struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewSet creates all three engines.
func NewSet() (*Set, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{CEL: cel, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// Bool evaluates expression with e and requires a boolean result.
func Bool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %s, want bool", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
