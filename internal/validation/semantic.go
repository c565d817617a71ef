package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// maxSensibleRetries is the retry count above which a warning is emitted.
const maxSensibleRetries = 10

// semanticChecker holds what the checks need beyond the definition itself.
// Any field may be nil, which disables the checks that depend on it.
type semanticChecker struct {
	actions ActionLookup
	engines *expressions.Set
	schemas *JSONSchemaValidator
}

// validateSemantic checks what the JSON Schema cannot: action names,
// references between steps, durations and the syntax of every expression.
func (c *semanticChecker) validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if ids[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeConfiguration,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true
	}

	c.checkDuration("timeout", def.Timeout, result)
	if def.ValidateState != "" && c.engines != nil {
		if err := c.engines.Expr.Check(def.ValidateState); err != nil {
			result.AddError("validate_state", schema.ErrCodeValidation, err.Error())
		}
	}
	c.checkHook("setup", def.Setup, result)
	c.checkHook("teardown", def.Teardown, result)

	for i := range def.Steps {
		c.checkStep(fmt.Sprintf("steps[%d]", i), &def.Steps[i], ids, result)
	}
	return result
}

func (c *semanticChecker) checkStep(path string, step *schema.StepDefinition, ids map[string]bool, result *schema.ValidationResult) {
	c.checkAction(path+".action", step.Action, result)

	seen := make(map[string]bool, len(step.DependsOn))
	for j, dep := range step.DependsOn {
		p := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case !ids[dep]:
			result.AddError(p, schema.ErrCodeConfiguration, fmt.Sprintf("references unknown step %q", dep))
		case seen[dep]:
			result.AddWarning(p, schema.ErrCodeValidation, fmt.Sprintf("duplicate dependency %q", dep))
		}
		seen[dep] = true
	}

	c.checkDuration(path+".timeout", step.Timeout, result)
	if r := step.Retry; r != nil {
		c.checkDuration(path+".retry.delay", r.Delay, result)
		c.checkDuration(path+".retry.max_delay", r.MaxDelay, result)
		if r.Max > maxSensibleRetries {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause long runs", r.Max))
		}
		if step.ExpectedToFail && r.Max > 0 {
			result.AddWarning(path+".retry", schema.ErrCodeValidation,
				"expected_to_fail step will exhaust every retry before its failure is accepted")
		}
	}

	if c.engines != nil {
		if step.SkipIf != "" {
			if err := c.engines.CEL.Check(step.SkipIf); err != nil {
				result.AddError(path+".skip_if", schema.ErrCodeValidation, err.Error())
			}
		}
		if step.Validate != "" {
			if err := c.engines.Expr.Check(step.Validate); err != nil {
				result.AddError(path+".validate", schema.ErrCodeValidation, err.Error())
			}
		}
		for _, hook := range []struct {
			name string
			cfg  *schema.StepHookConfig
		}{{"before", step.Before}, {"after", step.After}} {
			if hook.cfg == nil {
				continue
			}
			for key, expr := range hook.cfg.Capture {
				if err := c.engines.JQ.Check(expr); err != nil {
					result.AddError(fmt.Sprintf("%s.%s.capture.%s", path, hook.name, key), schema.ErrCodeValidation, err.Error())
				}
			}
		}
	}
	if step.Before != nil && len(step.Before.Capture) > 0 {
		result.AddWarning(path+".before.capture", schema.ErrCodeValidation,
			"capture in a before hook is ignored; there is no output yet")
	}

	if len(step.OutputSchema) > 0 && c.schemas != nil {
		b, err := json.Marshal(step.OutputSchema)
		if err == nil {
			_, err = c.schemas.Compile(b)
		}
		if err != nil {
			result.AddError(path+".output_schema", schema.ErrCodeValidation, err.Error())
		}
	}
}

func (c *semanticChecker) checkHook(path string, hook *schema.HookDefinition, result *schema.ValidationResult) {
	if hook == nil {
		return
	}
	if hook.Action == "" && len(hook.Set) == 0 {
		result.AddWarning(path, schema.ErrCodeValidation, "hook has neither action nor set and does nothing")
		return
	}
	if hook.Action != "" {
		c.checkAction(path+".action", hook.Action, result)
	}
}

func (c *semanticChecker) checkAction(path, name string, result *schema.ValidationResult) {
	if name == "" || c.actions == nil {
		return
	}
	if !c.actions.Has(name) {
		result.AddError(path, schema.ErrCodeActionUnavailable, fmt.Sprintf("action %q not registered", name))
	}
}

func (c *semanticChecker) checkDuration(path, value string, result *schema.ValidationResult) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", value))
	case d < 0:
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("negative duration %q", value))
	}
}
