package validation

import (
	"errors"

	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// stage is one validation pass. A stage only runs when every earlier stage
// came back without errors, so the graph check never sees an undeclared
// action and semantic checks never see a malformed document.
type stage struct {
	name  string
	check func(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// WorkflowValidator checks a definition in three stages: document shape
// against the JSON Schema, then semantics (actions, params, durations,
// expressions), then the dependency graph.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	stages     []stage
}

// NewWorkflowValidator builds the pipeline. A nil lookup skips the action
// existence check and nil engines skip expression compilation.
func NewWorkflowValidator(lookup ActionLookup, engines *expressions.Set) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	sem := semanticChecker{actions: lookup, engines: engines, schemas: jsv}
	return &WorkflowValidator{
		jsonSchema: jsv,
		stages: []stage{
			{name: "structure", check: jsv.structuralIssues},
			{name: "semantics", check: sem.validate},
			{name: "graph", check: validateDAG},
		},
	}, nil
}

func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator { return wv.jsonSchema }

// Validate runs the stages in order, keeping warnings from every stage
// that ran.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}
	for _, st := range wv.stages {
		result.Merge(st.check(def))
		if !result.Valid() {
			break
		}
	}
	return result
}

// structuralIssues turns a schema failure into one issue per violation.
func (v *JSONSchemaValidator) structuralIssues(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}
	var fe *schema.FlowError
	switch {
	case !errors.As(err, &fe):
		result.AddError("/", schema.ErrCodeValidation, err.Error())
	case fe.Details["violations"] != nil:
		violations, _ := fe.Details["violations"].([]string)
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
	default:
		result.AddError("/", schema.ErrCodeValidation, fe.Message)
	}
	if result.Valid() {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
	}
	return result
}
