package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Query(context.Background(), ".stdout", map[string]any{"stdout": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	out, err = e.Query(context.Background(), "[.[] | . * 2]", []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 4.0}, out)

	out, err = e.Query(context.Background(), ".[]", []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Query(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_StructInput(t *testing.T) {
	type result struct {
		Code int    `json:"code"`
		Body string `json:"body"`
	}
	e := NewGoJQEngine()
	out, err := e.Query(context.Background(), ".code", result{Code: 201, Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, 201.0, out)
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".state.name", map[string]any{NSState: map[string]any{"name": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	all, err := e.QueryAll(context.Background(), ".a", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Query(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(e.Check(".a[")))

	_, err = e.Query(context.Background(), `error("nope")`, nil)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))

	out, err := e.Query(context.Background(), "$ENV.HOME", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
