package expressions

import (
	"encoding/json"

	"github.com/sethdford/vibex-sub011/internal/engine"
)

// Scope namespaces visible to every expression.
const (
	NSState  = "state"  // shared run state
	NSSteps  = "steps"  // raw outputs keyed by step id
	NSRun    = "run"    // run_id, workflow_id
	NSOutput = "output" // output of the step being validated or captured
)

// RunScope snapshots rc into an expression scope. Values are copied so an
// expression can never mutate the run. output is exposed under "output"
// and may be nil.
func RunScope(rc *engine.RunContext, output any) map[string]any {
	scope := map[string]any{
		NSState:  map[string]any{},
		NSSteps:  map[string]any{},
		NSRun:    map[string]any{},
		NSOutput: normalize(output),
	}
	if rc == nil {
		return scope
	}
	scope[NSState] = normalize(rc.State())
	scope[NSSteps] = normalize(rc.Artifacts())
	scope[NSRun] = map[string]any{"run_id": rc.RunID, "workflow_id": rc.WorkflowID}
	return scope
}

// normalize deep-copies v into the map/slice/scalar shapes the engines
// understand. Anything else (structs, typed slices) goes through JSON.
func normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, int, int64:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = normalize(x)
		}
		return out
	case json.RawMessage:
		var out any
		if json.Unmarshal(val, &out) == nil {
			return out
		}
		return string(val)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if json.Unmarshal(b, &out) != nil {
		return v
	}
	return out
}

// jsonNumbers converts Go integer types to float64, which is how gojq
// represents every number it did not parse itself.
func jsonNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = jsonNumbers(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = jsonNumbers(x)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
