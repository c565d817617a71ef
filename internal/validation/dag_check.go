package validation

import (
	"errors"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// validateDAG plans the step graph exactly as a run would, so unknown
// dependencies and cycles are reported with the same messages.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	steps := make([]*engine.Step, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = &engine.Step{ID: s.ID, Dependencies: s.DependsOn}
	}

	if _, err := engine.BuildPlan(steps); err != nil {
		path := "steps"
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			if fe.StepID != "" {
				path = "steps[" + fe.StepID + "]"
			}
			result.AddError(path, fe.Code, fe.Message)
		} else {
			result.AddError(path, schema.ErrCodeConfiguration, err.Error())
		}
	}
	return result
}

// Levels returns the plan levels of def, for display. It fails like
// validateDAG does.
func Levels(def *schema.WorkflowDefinition) ([][]string, error) {
	steps := make([]*engine.Step, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = &engine.Step{ID: s.ID, Dependencies: s.DependsOn}
	}
	plan, err := engine.BuildPlan(steps)
	if err != nil {
		return nil, err
	}
	return plan.Levels, nil
}
