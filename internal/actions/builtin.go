package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Config selects and configures the built-in actions.
type Config struct {
	Shell   ShellConfig
	HTTP    HTTPConfig
	Engines *expressions.Set // nil disables expr.eval and jq
	Schemas SchemaCheck      // nil disables assert.schema
	Logger  *slog.Logger     // used by the log action
}

// RegisterBuiltins registers every built-in action in reg.
func RegisterBuiltins(reg *Registry, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	all := CoreActions(cfg.Logger)
	all = append(all, ShellActions(cfg.Shell)...)
	all = append(all, HTTPActions(cfg.HTTP)...)
	all = append(all, AssertActions(cfg.Schemas)...)
	all = append(all, CryptoActions()...)
	all = append(all, JSActions()...)
	if cfg.Engines != nil {
		all = append(all, ExprActions(cfg.Engines)...)
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// CoreActions returns noop, sleep, fail, state.set and log.
func CoreActions(logger *slog.Logger) []Action {
	return []Action{
		&Func{ActionName: "noop", Description: "Do nothing and succeed", Run: runNoop},
		&sleepAction{},
		&failAction{},
		&stateSetAction{},
		&logAction{logger: logger},
	}
}

func runNoop(_ context.Context, in ActionInput) (any, error) {
	if v, ok := in.Params["output"]; ok {
		return v, nil
	}
	return map[string]any{"ok": true}, nil
}

// --- sleep ---

type sleepAction struct{}

func (a *sleepAction) Name() string { return "sleep" }

func (a *sleepAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Wait for a duration, honouring cancellation",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"duration": {"type": ["string", "number"]}},
  "required": ["duration"]
}`),
	}
}

func (a *sleepAction) Validate(params map[string]any) error {
	if d, ok := durationParam(params, "duration", -1); !ok || d < 0 {
		return schema.NewError(schema.ErrCodeValidation, "sleep: 'duration' must be a duration string or milliseconds")
	}
	return nil
}

func (a *sleepAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	d, _ := durationParam(in.Params, "duration", 0)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return map[string]any{"slept_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- fail ---

type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the attempt; with 'times' set, fail only the first N attempts"}
}

func (a *failAction) Validate(map[string]any) error { return nil }

func (a *failAction) Execute(_ context.Context, in ActionInput) (any, error) {
	times := intParam(in.Params, "times", -1)
	if times >= 0 && in.Attempt >= times {
		return map[string]any{"ok": true, "attempt": in.Attempt}, nil
	}
	msg := stringParam(in.Params, "message", "step failed")
	code := stringParam(in.Params, "code", schema.ErrCodeExecution)
	return nil, schema.NewError(code, msg).WithDetails(map[string]any{"attempt": in.Attempt})
}

// --- state.set ---

type stateSetAction struct{}

func (a *stateSetAction) Name() string { return "state.set" }

func (a *stateSetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write keys into the shared run state",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"values": {"type": "object"}},
  "required": ["values"]
}`),
	}
}

func (a *stateSetAction) Validate(params map[string]any) error {
	if _, ok := params["values"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "state.set requires an object 'values' parameter")
	}
	return nil
}

func (a *stateSetAction) Execute(_ context.Context, in ActionInput) (any, error) {
	values := in.Params["values"].(map[string]any)
	if in.Run == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "state.set: no run context")
	}
	for k, v := range values {
		in.Run.Set(k, v)
	}
	return values, nil
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write a message to the run log and the process logger"}
}

func (a *logAction) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log requires a non-empty 'message' parameter")
	}
	return nil
}

func (a *logAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	msg := stringParam(in.Params, "message", "")
	level := logging.ParseLevel(stringParam(in.Params, "level", "info"))
	logging.LogWith(ctx, a.logger).Log(ctx, level, msg)
	if in.Run != nil {
		in.Run.Log(in.StepID, "log", msg, in.Attempt)
	}
	return map[string]any{"message": msg}, nil
}
