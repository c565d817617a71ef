package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine runs step validators, validate_state and the expr.eval action.
// Programs compile without a typed environment, so one program serves any
// scope and undefined names evaluate to nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache("expr", compileExpr)}
}

func compileExpr(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, badExpression("expr", "compile", src, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

// Check compiles expression without running it.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, failedExpression("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
