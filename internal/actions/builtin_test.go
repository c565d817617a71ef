package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	set, err := expressions.NewSet()
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Config{
		Engines: set,
		Schemas: func(any, any) error { return nil },
	}))
	return reg
}

func TestRegisterBuiltins(t *testing.T) {
	reg := builtinRegistry(t)
	for _, name := range []string{
		"noop", "sleep", "fail", "state.set", "log",
		"shell.exec", "http.request", "http.get",
		"assert.equals", "assert.contains", "assert.matches", "assert.schema",
		"crypto.hash", "crypto.uuid", "base64",
		"js.eval", "expr.eval", "jq",
	} {
		assert.True(t, reg.Has(name), name)
	}
}

func TestRegisterBuiltins_WithoutEngines(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Config{}))
	assert.False(t, reg.Has("expr.eval"))
	assert.False(t, reg.Has("assert.schema"))
	assert.True(t, reg.Has("noop"))
}

func run(t *testing.T, a Action, params map[string]any, rc *engine.RunContext, attempt int) (any, error) {
	t.Helper()
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	return a.Execute(context.Background(), ActionInput{RunID: "r", StepID: "s", Attempt: attempt, Params: params, Run: rc})
}

func TestNoop(t *testing.T) {
	reg := builtinRegistry(t)
	a, _ := reg.Get("noop")

	out, err := run(t, a, map[string]any{}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)

	out, err = run(t, a, map[string]any{"output": "x"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestSleep(t *testing.T) {
	a := &sleepAction{}
	out, err := run(t, a, map[string]any{"duration": "5ms"}, nil, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, out.(map[string]any)["slept_ms"])

	_, err = run(t, a, map[string]any{"duration": 10}, nil, 0)
	require.NoError(t, err)

	assert.Error(t, a.Validate(map[string]any{"duration": "soon"}))
	assert.Error(t, a.Validate(map[string]any{}))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := (&sleepAction{}).Execute(ctx, ActionInput{Params: map[string]any{"duration": "10s"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFail(t *testing.T) {
	a := &failAction{}

	_, err := run(t, a, map[string]any{"message": "boom", "code": schema.ErrCodeTimeout}, nil, 3)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")

	params := map[string]any{"times": 2}
	_, err = run(t, a, params, nil, 0)
	assert.Error(t, err)
	_, err = run(t, a, params, nil, 1)
	assert.Error(t, err)
	out, err := run(t, a, params, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.(map[string]any)["attempt"])
}

func TestStateSet(t *testing.T) {
	rc := engine.NewRunContext("r", "wf", nil)
	_, err := run(t, &stateSetAction{}, map[string]any{"values": map[string]any{"a": 1, "b": "two"}}, rc, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, rc.State())

	_, err = (&stateSetAction{}).Execute(context.Background(), ActionInput{Params: map[string]any{"values": map[string]any{}}})
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestLog(t *testing.T) {
	reg := builtinRegistry(t)
	a, _ := reg.Get("log")
	rc := engine.NewRunContext("r", "wf", nil)

	_, err := run(t, a, map[string]any{"message": "hello", "level": "warn"}, rc, 0)
	require.NoError(t, err)

	logs := rc.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, "hello", logs[len(logs)-1].Message)
	assert.Error(t, a.Validate(map[string]any{}))
}
