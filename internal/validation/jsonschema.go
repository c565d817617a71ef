package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// workflowSchemaJSON is the JSON Schema of a WorkflowDefinition after
// decoding, so optional fields appear only when set.
var workflowSchemaJSON = strings.ReplaceAll(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "flowctl://schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/step"}},
    "setup": {"$ref": "#/$defs/hook"},
    "teardown": {"$ref": "#/$defs/hook"},
    "timeout": {"type": "string", "pattern": "DURATION"},
    "validate_state": {"type": "string"},
    "state": {"type": "object"},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$"},
        "name": {"type": "string"},
        "action": {"type": "string", "minLength": 1},
        "params": {"type": "object"},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "timeout": {"type": "string", "pattern": "DURATION"},
        "retry": {"$ref": "#/$defs/retry"},
        "expected_to_fail": {"type": "boolean"},
        "skip_if": {"type": "string"},
        "validate": {"type": "string"},
        "output_schema": {"type": "object"},
        "expected_state": {"type": "object"},
        "before": {"$ref": "#/$defs/step_hook"},
        "after": {"$ref": "#/$defs/step_hook"}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {"type": "integer", "minimum": 0},
        "backoff": {"type": "string", "enum": ["none", "constant", "linear", "exponential"]},
        "delay": {"type": "string", "pattern": "DURATION"},
        "max_delay": {"type": "string", "pattern": "DURATION"}
      },
      "additionalProperties": false
    },
    "step_hook": {
      "type": "object",
      "properties": {
        "set": {"type": "object"},
        "capture": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "hook": {
      "type": "object",
      "properties": {
        "action": {"type": "string"},
        "params": {"type": "object"},
        "set": {"type": "object"}
      },
      "additionalProperties": false
    }
  }
}`, "DURATION", durationPattern)

const workflowSchemaURL = "flowctl://schemas/workflow.json"

// JSONSchemaValidator checks definitions against the workflow schema and
// arbitrary data against caller-supplied schemas. Compiled schemas are
// cached by their text. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	c := newCompiler()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wf, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateDefinition checks the shape of def.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates data against the JSON Schema in jsonSchema. An
// empty schema accepts everything.
func (v *JSONSchemaValidator) ValidateInput(data any, jsonSchema []byte) error {
	if len(jsonSchema) == 0 {
		return nil
	}
	compiled, err := v.Compile(jsonSchema)
	if err != nil {
		return err
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// Check validates data against a schema given as a decoded document
// (typically a map read from a workflow file).
func (v *JSONSchemaValidator) Check(schemaDoc, data any) error {
	b, err := json.Marshal(schemaDoc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "schema is not JSON-serializable").WithCause(err)
	}
	return v.ValidateInput(data, b)
}

// ParamCheck validates action params against the action's input schema.
// Its signature matches what the action registry expects.
func (v *JSONSchemaValidator) ParamCheck(action string, inputSchema json.RawMessage, params map[string]any) error {
	if err := v.ValidateInput(params, inputSchema); err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			fe.Message = fmt.Sprintf("%s params: %s", action, fe.Message)
			return fe
		}
		return err
	}
	return nil
}

// Compile returns the cached compiled form of jsonSchema.
func (v *JSONSchemaValidator) Compile(jsonSchema []byte) (*jsonschema.Schema, error) {
	key := string(jsonSchema)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schema: %s", err.Error()).WithCause(err)
	}
	url := fmt.Sprintf("flowctl://schemas/dynamic/%d.json", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schema: %s", err.Error()).WithCause(err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which is what the schema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a schema ValidationError into one VALIDATION_ERROR
// whose details list every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "%d schema violations; first: %s", len(violations), violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}
