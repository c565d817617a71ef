package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// SchemaCheck validates data against a JSON Schema document.
type SchemaCheck func(schemaDoc any, data any) error

// AssertActions returns the assert.* actions. assert.schema is included
// only when check is non-nil.
func AssertActions(check SchemaCheck) []Action {
	all := []Action{&assertEqualsAction{}, &assertContainsAction{}, &assertMatchesAction{}}
	if check != nil {
		all = append(all, &assertSchemaAction{check: check})
	}
	return all
}

// plain maps every number to float64 so values decoded from YAML, JSON and
// Go literals compare equal.
func plain(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plain(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}

func requireParams(action string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' parameter", action, k)
		}
	}
	return nil
}

// assertionFailed is a VALIDATION_ERROR so retries and expected_to_fail
// treat it like any other output check.
func assertionFailed(params map[string]any, fallback string, details map[string]any) error {
	return schema.NewError(schema.ErrCodeValidation, stringParam(params, "message", fallback)).WithDetails(details)
}

var pass = map[string]any{"pass": true}

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail unless 'actual' deeply equals 'expected'"}
}

func (a *assertEqualsAction) Validate(params map[string]any) error {
	return requireParams("assert.equals", params, "expected", "actual")
}

func (a *assertEqualsAction) Execute(_ context.Context, in ActionInput) (any, error) {
	if reflect.DeepEqual(plain(in.Params["expected"]), plain(in.Params["actual"])) {
		return pass, nil
	}
	return nil, assertionFailed(in.Params, "values are not equal", map[string]any{
		"expected": in.Params["expected"],
		"actual":   in.Params["actual"],
	})
}

type assertContainsAction struct{}

func (a *assertContainsAction) Name() string { return "assert.contains" }

func (a *assertContainsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail unless the string or array 'haystack' contains 'needle'"}
}

func (a *assertContainsAction) Validate(params map[string]any) error {
	return requireParams("assert.contains", params, "haystack", "needle")
}

func (a *assertContainsAction) Execute(_ context.Context, in ActionInput) (any, error) {
	haystack, needle := in.Params["haystack"], in.Params["needle"]
	details := map[string]any{"haystack": haystack, "needle": needle}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprint(needle)) {
			return pass, nil
		}
	case []any:
		want := plain(needle)
		for _, item := range hs {
			if reflect.DeepEqual(plain(item), want) {
				return pass, nil
			}
		}
	case map[string]any:
		if _, ok := hs[fmt.Sprint(needle)]; ok {
			return pass, nil
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be a string, array or object, got %T", haystack)
	}
	return nil, assertionFailed(in.Params, "value not found", details)
}

type assertMatchesAction struct{}

func (a *assertMatchesAction) Name() string { return "assert.matches" }

func (a *assertMatchesAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail unless 'value' matches the regular expression 'pattern'"}
}

func (a *assertMatchesAction) Validate(params map[string]any) error {
	if err := requireParams("assert.matches", params, "value", "pattern"); err != nil {
		return err
	}
	pattern, ok := params["pattern"].(string)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches: 'pattern' must be a string")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "assert.matches: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (a *assertMatchesAction) Execute(_ context.Context, in ActionInput) (any, error) {
	value := fmt.Sprint(in.Params["value"])
	re, err := regexp.Compile(stringParam(in.Params, "pattern", ""))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.matches: %s", err.Error()).WithCause(err)
	}
	m := re.FindStringSubmatch(value)
	if m == nil {
		return nil, assertionFailed(in.Params, "value does not match pattern", map[string]any{
			"value":   value,
			"pattern": re.String(),
		})
	}
	groups := make([]any, len(m)-1)
	for i, g := range m[1:] {
		groups[i] = g
	}
	return map[string]any{"pass": true, "match": m[0], "groups": groups}, nil
}

type assertSchemaAction struct {
	check SchemaCheck
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail unless 'data' conforms to the JSON Schema 'schema'"}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	if err := requireParams("assert.schema", params, "data", "schema"); err != nil {
		return err
	}
	if _, ok := params["schema"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema: 'schema' must be an object")
	}
	return nil
}

func (a *assertSchemaAction) Execute(_ context.Context, in ActionInput) (any, error) {
	if err := a.check(in.Params["schema"], in.Params["data"]); err != nil {
		details := map[string]any{"error": err.Error()}
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Details != nil {
			details["violations"] = fe.Details["violations"]
		}
		return nil, assertionFailed(in.Params, "data does not match schema", details)
	}
	return pass, nil
}
