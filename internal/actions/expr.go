package actions

import (
	"context"
	"encoding/json"

	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// ExprActions returns expr.eval and jq, sharing the engines in set.
func ExprActions(set *expressions.Set) []Action {
	return []Action{
		&exprEvalAction{engine: set.Expr},
		&jqAction{engine: set.JQ},
	}
}

// evalScope is the run scope plus the explicit 'data' param.
func evalScope(in ActionInput) map[string]any {
	scope := expressions.RunScope(in.Run, nil)
	if data, ok := in.Params["data"]; ok {
		scope["data"] = data
	}
	return scope
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression over state, steps, run and optional data",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"expression": {"type": "string"}, "data": {}, "set": {"type": "string"}},
  "required": ["expression"]
}`),
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	expr := stringParam(params, "expression", "")
	if expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return a.engine.Check(expr)
}

func (a *exprEvalAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	result, err := a.engine.Evaluate(ctx, stringParam(in.Params, "expression", ""), evalScope(in))
	if err != nil {
		return nil, err
	}
	storeResult(in, result)
	return map[string]any{"result": result}, nil
}

// storeResult writes result to the state key named by the 'set' param.
func storeResult(in ActionInput, result any) {
	if key := stringParam(in.Params, "set", ""); key != "" && in.Run != nil {
		in.Run.Set(key, result)
	}
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq filter over 'input' (default: the run scope)",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"filter": {"type": "string"}, "input": {}, "set": {"type": "string"}},
  "required": ["filter"]
}`),
	}
}

func (a *jqAction) Validate(params map[string]any) error {
	filter := stringParam(params, "filter", "")
	if filter == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq requires non-empty 'filter' string parameter")
	}
	return a.engine.Check(filter)
}

func (a *jqAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	var input any = expressions.RunScope(in.Run, nil)
	if v, ok := in.Params["input"]; ok {
		input = v
	}
	result, err := a.engine.Query(ctx, stringParam(in.Params, "filter", ""), input)
	if err != nil {
		return nil, err
	}
	storeResult(in, result)
	return map[string]any{"result": result}, nil
}
