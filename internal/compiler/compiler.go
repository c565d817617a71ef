package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Hook step ids used in run logs and action requests.
const (
	SetupStepID    = "setup"
	TeardownStepID = "teardown"
)

// SchemaCheck validates data against a decoded JSON Schema document.
type SchemaCheck func(schemaDoc, data any) error

// Compiler turns declarative definitions into runnable engine workflows.
// Expressions become closures over the shared engines; setup and teardown
// actions go through runner.
type Compiler struct {
	engines *expressions.Set
	runner  engine.ActionRunner
	schemas SchemaCheck
	logger  *slog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithSchemaCheck enables step output_schema validation.
func WithSchemaCheck(fn SchemaCheck) Option {
	return func(c *Compiler) { c.schemas = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// New creates a Compiler.
func New(engines *expressions.Set, runner engine.ActionRunner, opts ...Option) *Compiler {
	c := &Compiler{engines: engines, runner: runner, logger: logging.Discard()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compile converts def. It assumes def passed validation but still fails
// cleanly on bad durations.
func (c *Compiler) Compile(def *schema.WorkflowDefinition) (*engine.Workflow, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	wf := &engine.Workflow{
		ID:    def.ID,
		Name:  def.Name,
		State: copyMap(def.State),
		Steps: make([]*engine.Step, 0, len(def.Steps)),
	}
	if wf.Name == "" {
		wf.Name = def.ID
	}

	var err error
	if wf.Timeout, err = duration("timeout", def.Timeout); err != nil {
		return nil, err
	}
	if def.ValidateState != "" {
		wf.ValidateState = c.stateCheck(def.ValidateState)
	}
	if def.Setup != nil {
		wf.Setup = c.hook(SetupStepID, def.Setup)
	}
	if def.Teardown != nil {
		wf.Teardown = c.hook(TeardownStepID, def.Teardown)
	}

	for i := range def.Steps {
		step, err := c.step(&def.Steps[i])
		if err != nil {
			return nil, err
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

func (c *Compiler) step(sd *schema.StepDefinition) (*engine.Step, error) {
	s := &engine.Step{
		ID:             sd.ID,
		Name:           sd.Name,
		Action:         sd.Action,
		Params:         sd.Params,
		Dependencies:   append([]string(nil), sd.DependsOn...),
		ExpectedToFail: sd.ExpectedToFail,
		ExpectedState:  sd.ExpectedState,
	}

	var err error
	if s.Timeout, err = duration(sd.ID+".timeout", sd.Timeout); err != nil {
		return nil, err
	}
	if r := sd.Retry; r != nil {
		s.MaxRetries = r.Max
		s.Backoff = r.Backoff
		if s.RetryDelay, err = duration(sd.ID+".retry.delay", r.Delay); err != nil {
			return nil, err
		}
		if s.MaxDelay, err = duration(sd.ID+".retry.max_delay", r.MaxDelay); err != nil {
			return nil, err
		}
	}

	if sd.SkipIf != "" {
		s.SkipIf = c.skipIf(sd.SkipIf)
	}
	if sd.Validate != "" || len(sd.OutputSchema) > 0 {
		s.Validator = c.validator(sd.Validate, sd.OutputSchema)
	}
	if sd.Before != nil && len(sd.Before.Set) > 0 {
		s.Before = c.before(sd.Before)
	}
	if sd.After != nil && (len(sd.After.Set) > 0 || len(sd.After.Capture) > 0) {
		s.After = c.after(sd.After)
	}
	return s, nil
}

// skipIf evaluates a CEL predicate over the run scope.
func (c *Compiler) skipIf(expr string) func(rc *engine.RunContext) (bool, error) {
	return func(rc *engine.RunContext) (bool, error) {
		return expressions.Bool(context.Background(), c.engines.CEL, expr, expressions.RunScope(rc, nil))
	}
}

// validator runs the expr check and then the output schema; the first
// rejection wins.
func (c *Compiler) validator(expr string, outputSchema map[string]any) func(output any) (bool, string) {
	return func(output any) (bool, string) {
		if expr != "" {
			ok, err := expressions.Bool(context.Background(), c.engines.Expr, expr, expressions.RunScope(nil, output))
			if err != nil {
				return false, "validate: " + err.Error()
			}
			if !ok {
				return false, fmt.Sprintf("validate: %s is false", expr)
			}
		}
		if len(outputSchema) > 0 && c.schemas != nil {
			if err := c.schemas(outputSchema, output); err != nil {
				return false, "output_schema: " + err.Error()
			}
		}
		return true, ""
	}
}

func (c *Compiler) stateCheck(expr string) func(rc *engine.RunContext) (bool, error) {
	return func(rc *engine.RunContext) (bool, error) {
		return expressions.Bool(context.Background(), c.engines.Expr, expr, expressions.RunScope(rc, nil))
	}
}

// before writes hook.Set into the state before every attempt. Values may
// reference the scope with ${{ }}.
func (c *Compiler) before(hook *schema.StepHookConfig) func(ctx context.Context, rc *engine.RunContext) error {
	return func(_ context.Context, rc *engine.RunContext) error {
		return setState(rc, hook.Set, nil)
	}
}

// after runs once the step settled. Captures read the step output and
// apply only to successful steps.
func (c *Compiler) after(hook *schema.StepHookConfig) func(ctx context.Context, rc *engine.RunContext, res *schema.StepResult) error {
	return func(ctx context.Context, rc *engine.RunContext, res *schema.StepResult) error {
		if err := setState(rc, hook.Set, res.Output); err != nil {
			return err
		}
		if res.Status != schema.StepStatusSuccess || len(hook.Capture) == 0 {
			return nil
		}

		var failed []string
		for _, key := range sortedKeys(hook.Capture) {
			v, err := c.engines.JQ.Query(ctx, hook.Capture[key], res.Output)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %s", key, err.Error()))
				continue
			}
			rc.Set(key, v)
		}
		if len(failed) > 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "capture failed: %s", strings.Join(failed, "; ")).
				WithStep(res.StepID)
		}
		return nil
	}
}

// hook builds a setup or teardown function: Set first, then the action.
func (c *Compiler) hook(id string, hd *schema.HookDefinition) func(ctx context.Context, rc *engine.RunContext) error {
	return func(ctx context.Context, rc *engine.RunContext) error {
		if err := setState(rc, hd.Set, nil); err != nil {
			return err
		}
		if hd.Action == "" {
			return nil
		}
		out, err := c.runner.Invoke(ctx, engine.ActionRequest{
			RunID:  rc.RunID,
			StepID: id,
			Action: hd.Action,
			Params: hd.Params,
		}, rc)
		if err != nil {
			logging.LogWith(ctx, c.logger).WarnContext(ctx, "hook action failed",
				slog.String("hook", id), slog.String("action", hd.Action), slog.String("error", err.Error()))
			return err
		}
		if out != nil {
			rc.SetArtifact(id, out)
		}
		return nil
	}
}

// setState interpolates values against the run scope and writes them.
func setState(rc *engine.RunContext, values map[string]any, output any) error {
	if len(values) == 0 {
		return nil
	}
	resolved := values
	if expressions.HasReferences(values) {
		var err error
		resolved, err = expressions.Interpolate(values, expressions.RunScope(rc, output))
		if err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(resolved) {
		rc.Set(k, resolved[k])
	}
	return nil
}

func duration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "%s: invalid duration %q", field, s).WithCause(err)
	}
	return d, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
