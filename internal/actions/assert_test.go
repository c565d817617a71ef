package actions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func assertAction(t *testing.T, name string, check SchemaCheck) Action {
	t.Helper()
	for _, a := range AssertActions(check) {
		if a.Name() == name {
			return a
		}
	}
	t.Fatalf("no action %s", name)
	return nil
}

func TestAssertEquals(t *testing.T) {
	a := assertAction(t, "assert.equals", nil)

	_, err := run(t, a, map[string]any{"expected": map[string]any{"n": 1}, "actual": map[string]any{"n": 1.0}}, nil, 0)
	assert.NoError(t, err)

	_, err = run(t, a, map[string]any{"expected": 1, "actual": 2, "message": "counts differ"}, nil, 0)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "counts differ")

	assert.Error(t, a.Validate(map[string]any{"expected": 1}))
}

func TestAssertContains(t *testing.T) {
	a := assertAction(t, "assert.contains", nil)
	cases := []struct {
		name     string
		haystack any
		needle   any
		ok       bool
	}{
		{"substring", "hello world", "world", true},
		{"missing substring", "hello", "bye", false},
		{"array number", []any{1, 2, 3}, 2.0, true},
		{"array missing", []any{"a"}, "b", false},
		{"object key", map[string]any{"k": 1}, "k", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, a, map[string]any{"haystack": tc.haystack, "needle": tc.needle}, nil, 0)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	_, err := run(t, a, map[string]any{"haystack": 5, "needle": 5}, nil, 0)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAssertMatches(t *testing.T) {
	a := assertAction(t, "assert.matches", nil)

	out, err := run(t, a, map[string]any{"value": "order-42", "pattern": `order-(\d+)`}, nil, 0)
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, "order-42", res["match"])
	assert.Equal(t, []any{"42"}, res["groups"])

	_, err = run(t, a, map[string]any{"value": "x", "pattern": `^\d+$`}, nil, 0)
	assert.Error(t, err)

	assert.Error(t, a.Validate(map[string]any{"value": "x", "pattern": "("}))
}

func TestAssertSchema(t *testing.T) {
	var gotSchema, gotData any
	check := func(s, d any) error {
		gotSchema, gotData = s, d
		if d == "bad" {
			return schema.NewError(schema.ErrCodeValidation, "invalid").
				WithDetails(map[string]any{"violations": []string{"/: want object"}})
		}
		return nil
	}
	a := assertAction(t, "assert.schema", check)
	doc := map[string]any{"type": "object"}

	_, err := run(t, a, map[string]any{"schema": doc, "data": map[string]any{}}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, doc, gotSchema)
	assert.Equal(t, map[string]any{}, gotData)

	_, err = run(t, a, map[string]any{"schema": doc, "data": "bad"}, nil, 0)
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"/: want object"}, fe.Details["violations"])

	assert.Error(t, a.Validate(map[string]any{"schema": "nope", "data": 1}))
	assert.Len(t, AssertActions(nil), 3)
}
