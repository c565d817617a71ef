package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dop251/goja"

	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// JSActions returns js.eval.
func JSActions() []Action {
	return []Action{&jsEvalAction{}}
}

type jsEvalAction struct{}

func (a *jsEvalAction) Name() string { return "js.eval" }

func (a *jsEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a JavaScript function body with ctx = {state, steps, run, params}; its return value is the output",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"code": {"type": "string"}, "params": {"type": "object"}, "set": {"type": "string"}},
  "required": ["code"]
}`),
	}
}

func (a *jsEvalAction) Validate(params map[string]any) error {
	code := stringParam(params, "code", "")
	if code == "" {
		return schema.NewError(schema.ErrCodeValidation, "js.eval requires non-empty 'code' string parameter")
	}
	if _, err := goja.Compile("js.eval", wrapJS(code), true); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "js.eval: %s", err.Error()).WithCause(err)
	}
	return nil
}

// wrapJS lets the body use return.
func wrapJS(code string) string {
	return "(function() {\n" + code + "\n})()"
}

func (a *jsEvalAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	jsCtx := expressions.RunScope(in.Run, nil)
	delete(jsCtx, expressions.NSOutput)
	if p, ok := in.Params["params"].(map[string]any); ok {
		jsCtx["params"] = p
	} else {
		jsCtx["params"] = map[string]any{}
	}
	if err := vm.Set("ctx", jsCtx); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "js.eval: set context: %s", err.Error()).WithCause(err)
	}

	// goja cannot observe ctx by itself
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	started := time.Now()
	val, err := vm.RunString(wrapJS(stringParam(in.Params, "code", "")))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "js.eval: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"elapsed_ms": time.Since(started).Milliseconds()})
	}

	var result any
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		result = val.Export()
	}
	storeResult(in, result)
	return result, nil
}
