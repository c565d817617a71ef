package compiler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/actions"
	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

type fixture struct {
	compiler   *Compiler
	controller *engine.Controller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	set, err := expressions.NewSet()
	require.NoError(t, err)
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Config{Engines: set}))

	noSleep := func(context.Context, time.Duration) error { return nil }
	exec := engine.NewStepExecutor(reg, engine.WithSleeper(noSleep))
	return &fixture{
		compiler:   New(set, reg, opts...),
		controller: engine.NewController(exec),
	}
}

func (f *fixture) run(t *testing.T, src string) *schema.RunReport {
	t.Helper()
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	wf, err := f.compiler.Compile(def)
	require.NoError(t, err)
	return f.controller.Run(context.Background(), wf)
}

func TestCompile_Fields(t *testing.T) {
	f := newFixture(t)
	def, err := Parse([]byte(buildYAML))
	require.NoError(t, err)
	def.ID = "build"

	wf, err := f.compiler.Compile(def)
	require.NoError(t, err)

	assert.Equal(t, "build", wf.ID)
	assert.Equal(t, 5*time.Minute, wf.Timeout)
	assert.NotNil(t, wf.Setup)
	assert.Nil(t, wf.Teardown)
	assert.NotNil(t, wf.ValidateState)

	fetch := wf.Step("fetch")
	require.NotNil(t, fetch)
	assert.Equal(t, 30*time.Second, fetch.Timeout)
	assert.Equal(t, 2, fetch.MaxRetries)
	assert.Equal(t, time.Second, fetch.RetryDelay)
	assert.Equal(t, 10*time.Second, fetch.MaxDelay)
	assert.Equal(t, engine.BackoffExponential, fetch.Backoff)
	assert.NotNil(t, fetch.SkipIf)
	assert.NotNil(t, fetch.Validator)
	assert.NotNil(t, fetch.After)
	assert.Nil(t, fetch.Before)

	assert.Equal(t, []string{"fetch"}, wf.Step("test").Dependencies)
}

func TestCompile_BadDuration(t *testing.T) {
	f := newFixture(t)
	_, err := f.compiler.Compile(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{ID: "a", Action: "noop", Retry: &schema.RetryPolicy{Delay: "later"}},
	}})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))

	_, err = f.compiler.Compile(nil)
	assert.Error(t, err)
}

func TestRun_SetupCaptureAndValidateState(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
id: pipeline
setup:
  set: {env: test}
validate_state: 'state.total == 6 && state.env == "test"'
steps:
  - id: numbers
    action: noop
    params:
      output: {items: [1, 2, 3]}
    after:
      capture: {total: '.items | add'}
  - id: check
    action: assert.equals
    depends_on: [numbers]
    params: {expected: 6, actual: '${{ state.total }}'}
`)
	require.Equal(t, schema.RunStatusSuccess, report.Status, report.Errors)
	assert.EqualValues(t, 6, report.State["total"])
}

func TestRun_SkipIf(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
state: {offline: true}
steps:
  - id: fetch
    action: noop
    skip_if: 'state.offline == true'
  - id: local
    action: noop
`)
	assert.Equal(t, schema.StepStatusSkipped, report.Result("fetch").Status)
	assert.Equal(t, schema.StepStatusSuccess, report.Result("local").Status)
}

func TestRun_ValidateRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
steps:
  - id: a
    action: noop
    params: {output: {code: 500}}
    validate: 'output.code == 200'
    retry: {max: 2}
`)
	res := report.Result("a")
	assert.Equal(t, schema.StepStatusFailure, res.Status)
	assert.Equal(t, 2, res.Retries)
	require.NotEmpty(t, res.ValidationErrors)
	assert.Contains(t, res.ValidationErrors[0], "output.code == 200")
}

func TestRun_OutputSchema(t *testing.T) {
	var checked int
	check := func(doc, data any) error {
		checked++
		if m, ok := data.(map[string]any); ok && m["id"] != nil {
			return nil
		}
		return errors.New("id is required")
	}
	f := newFixture(t, WithSchemaCheck(check))
	report := f.run(t, `
steps:
  - id: good
    action: noop
    params: {output: {id: 1}}
    output_schema: {type: object, required: [id]}
  - id: bad
    action: noop
    output_schema: {type: object, required: [id]}
`)
	assert.Equal(t, schema.StepStatusSuccess, report.Result("good").Status)
	bad := report.Result("bad")
	assert.Equal(t, schema.StepStatusFailure, bad.Status)
	assert.Contains(t, bad.Error, "output_schema")
	assert.Equal(t, 2, checked)
}

func TestRun_BeforeSetAndExpectedState(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
state: {user: ada}
steps:
  - id: a
    action: noop
    before:
      set: {greeting: 'hi ${{ state.user }}'}
    expected_state: {greeting: hi ada}
`)
	assert.Equal(t, schema.StepStatusSuccess, report.Result("a").Status)
}

func TestRun_TeardownAfterFailure(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
steps:
  - id: a
    action: fail
teardown:
  action: state.set
  params: {values: {cleaned: true}}
`)
	assert.Equal(t, schema.StepStatusFailure, report.Result("a").Status)
	assert.Equal(t, true, report.State["cleaned"])
}

func TestRun_SetupActionFailure(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
setup:
  action: fail
  params: {message: no database}
steps:
  - id: a
    action: noop
`)
	assert.Equal(t, schema.RunStatusFailure, report.Status)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "no database")
}

func TestRun_CaptureSkippedOnFailure(t *testing.T) {
	f := newFixture(t)
	report := f.run(t, `
steps:
  - id: a
    action: fail
    after:
      set: {after_ran: true}
      capture: {x: '.x'}
`)
	assert.Equal(t, true, report.State["after_ran"])
	_, captured := report.State["x"]
	assert.False(t, captured)
}
