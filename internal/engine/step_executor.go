package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// StepExecutor runs a single step: skip checks, the retry loop, output and
// state validation, hooks and timing.
type StepExecutor struct {
	runner   ActionRunner
	breakers *CircuitBreakerRegistry
	sleep    Sleeper
	logger   *slog.Logger
}

// ExecutorOption configures a StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithSleeper replaces the retry delay implementation.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *StepExecutor) { e.sleep = s }
}

// WithCircuitBreakers guards every action call with per-action breakers.
func WithCircuitBreakers(r *CircuitBreakerRegistry) ExecutorOption {
	return func(e *StepExecutor) { e.breakers = r }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *StepExecutor) { e.logger = l }
}

// NewStepExecutor creates an executor that resolves actions through runner.
func NewStepExecutor(runner ActionRunner, opts ...ExecutorOption) *StepExecutor {
	e := &StepExecutor{
		runner: runner,
		sleep:  WaitForBackoff,
		logger: logging.Discard(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs step against rc and returns its result. The error is non-nil
// only for a DEPENDENCY_ERROR, which means the plan and the run context
// disagree and the run must stop.
func (e *StepExecutor) Execute(ctx context.Context, step *Step, rc *RunContext) (*schema.StepResult, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, e.logger)

	res := &schema.StepResult{StepID: step.ID, Name: step.DisplayName()}

	for _, dep := range step.Dependencies {
		if rc.IsFailed(dep) || rc.IsSkipped(dep) {
			e.skip(rc, res, fmt.Sprintf("dependency %q did not succeed", dep))
			return res, nil
		}
	}
	for _, dep := range step.Dependencies {
		if !rc.IsCompleted(dep) {
			return nil, schema.NewErrorf(schema.ErrCodeDependency,
				"dependency %q has not completed", dep).WithStep(step.ID)
		}
	}
	if step.SkipIf != nil {
		skip, err := step.SkipIf(rc)
		if err != nil {
			now := time.Now().UTC()
			res.StartedAt, res.EndedAt = &now, &now
			res.Status = schema.StepStatusFailure
			res.Error = "skip condition: " + err.Error()
			res.ErrorCode = schema.ErrCodeValidation
			rc.MarkFailed(step.ID)
			rc.Log(step.ID, schema.EventStepFailed, res.Error, 0)
			return res, nil
		}
		if skip {
			e.skip(rc, res, "skip condition is true")
			return res, nil
		}
	}

	started := time.Now().UTC()
	res.StartedAt = &started
	rc.Log(step.ID, schema.EventStepStarted, "", 0)
	log.DebugContext(ctx, "step started", slog.String("action", step.Action))

	var (
		output  any
		lastErr error
	)
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if attempt > 0 {
			res.Retries = attempt
			delay := ComputeBackoff(step, attempt)
			rc.Log(step.ID, schema.EventStepRetrying, fmt.Sprintf("retrying in %s", delay), attempt)
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = runInterrupted(ctx, step.ID)
				break
			}
		}

		var verrs []string
		output, verrs, lastErr = e.attempt(ctx, step, rc, attempt)
		res.ValidationErrors = verrs
		if lastErr == nil {
			rc.Log(step.ID, schema.EventStepAttempt, "ok", attempt)
			break
		}
		rc.Log(step.ID, schema.EventStepAttemptError, lastErr.Error(), attempt)
		log.DebugContext(ctx, "attempt failed", slog.Int("attempt", attempt), slog.String("error", lastErr.Error()))

		if ctx.Err() != nil {
			break
		}
	}

	ended := time.Now().UTC()
	res.EndedAt = &ended
	res.DurationMs = ended.Sub(started).Milliseconds()
	res.Output = output
	if output != nil {
		rc.SetArtifact(step.ID, output)
	}

	switch {
	case lastErr == nil:
		res.Status = schema.StepStatusSuccess
		res.ValidationErrors = nil
		rc.MarkCompleted(step.ID)
		rc.Log(step.ID, schema.EventStepCompleted, "", res.Retries)
	case step.ExpectedToFail && ctx.Err() == nil:
		res.Status = schema.StepStatusSuccess
		res.ExpectedFailure = true
		res.Error = lastErr.Error()
		res.ErrorCode = schema.CodeOf(lastErr)
		rc.MarkCompleted(step.ID)
		rc.Log(step.ID, schema.EventStepCompleted, "failed as expected: "+lastErr.Error(), res.Retries)
	default:
		res.Status = schema.StepStatusFailure
		res.Error = lastErr.Error()
		res.ErrorCode = schema.CodeOf(lastErr)
		rc.MarkFailed(step.ID)
		rc.Log(step.ID, schema.EventStepFailed, lastErr.Error(), res.Retries)
	}

	if step.After != nil {
		if err := step.After(ctx, rc, res); err != nil {
			res.Warnings = append(res.Warnings, "post-hook: "+err.Error())
			rc.Log(step.ID, schema.EventStepHookFailed, err.Error(), res.Retries)
		}
	}

	log.DebugContext(ctx, "step settled",
		slog.String("status", string(res.Status)),
		slog.Int("retries", res.Retries),
		slog.Int64("duration_ms", res.DurationMs))
	return res, nil
}

func (e *StepExecutor) skip(rc *RunContext, res *schema.StepResult, reason string) {
	res.Status = schema.StepStatusSkipped
	res.Warnings = append(res.Warnings, reason)
	rc.MarkSkipped(res.StepID)
	rc.Log(res.StepID, schema.EventStepSkipped, reason, 0)
}

// attempt performs one try: pre-hook, action, validator, expected state.
func (e *StepExecutor) attempt(ctx context.Context, step *Step, rc *RunContext, n int) (any, []string, error) {
	if step.Before != nil {
		if err := step.Before(ctx, rc); err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeExecution, "pre-hook: %s", err.Error()).
				WithStep(step.ID).WithCause(err)
		}
	}

	if e.breakers != nil {
		if err := e.breakers.Allow(step.Action); err != nil {
			return nil, nil, err
		}
	}
	output, err := e.invoke(ctx, step, rc, n)
	if e.breakers != nil {
		if st := e.breakers.Record(step.Action, err); st == CircuitOpen && err != nil {
			rc.Log(step.ID, schema.EventCircuitBreakerOpen, step.Action, n)
		}
	}
	if err != nil {
		return output, nil, err
	}

	var verrs []string
	if step.Validator != nil {
		if ok, reason := step.Validator(output); !ok {
			if reason == "" {
				reason = "output rejected by validator"
			}
			verrs = append(verrs, reason)
		}
	}
	verrs = append(verrs, checkExpectedState(step.ExpectedState, rc)...)
	if len(verrs) > 0 {
		return output, verrs, schema.NewError(schema.ErrCodeValidation, strings.Join(verrs, "; ")).
			WithStep(step.ID).
			WithDetails(map[string]any{"validation_errors": verrs})
	}
	return output, nil, nil
}

type invokeResult struct {
	output any
	err    error
}

// invoke calls the action bounded by the step timeout. The call runs on its
// own goroutine so an action that ignores ctx cannot hold the step past its
// deadline or past an abort.
func (e *StepExecutor) invoke(ctx context.Context, step *Step, rc *RunContext, n int) (any, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if step.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, step.Timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req := ActionRequest{
		RunID:   rc.RunID,
		StepID:  step.ID,
		Action:  step.Action,
		Params:  step.Params,
		Attempt: n,
	}

	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeResult{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		out, err := e.runner.Invoke(actx, req, rc)
		ch <- invokeResult{output: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.output, nil
		}
		if ctx.Err() != nil {
			return r.output, runInterrupted(ctx, step.ID)
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return r.output, stepTimeout(step)
		}
		var fe *schema.FlowError
		if errors.As(r.err, &fe) {
			if fe.StepID == "" {
				fe.StepID = step.ID
			}
			return r.output, fe
		}
		return r.output, schema.NewError(schema.ErrCodeExecution, r.err.Error()).WithStep(step.ID).WithCause(r.err)
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, runInterrupted(ctx, step.ID)
		}
		return nil, stepTimeout(step)
	}
}

func stepTimeout(step *Step) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "timed out after %s", step.Timeout).WithStep(step.ID)
}

// runInterrupted describes why the run context ended under a step.
func runInterrupted(ctx context.Context, stepID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "workflow timed out").WithStep(stepID)
	}
	return schema.NewError(schema.ErrCodeAborted, "aborted").WithStep(stepID)
}

// checkExpectedState compares each expected key with the current state.
func checkExpectedState(expected map[string]any, rc *RunContext) []string {
	if len(expected) == 0 {
		return nil
	}
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		got, ok := rc.Get(k)
		if !ok {
			out = append(out, fmt.Sprintf("state %q: expected %v, key not set", k, expected[k]))
			continue
		}
		if !valuesEqual(got, expected[k]) {
			out = append(out, fmt.Sprintf("state %q: expected %v, got %v", k, expected[k], got))
		}
	}
	return out
}

// valuesEqual is structural equality that also treats values with the same
// JSON form as equal, so 1 (int from YAML) matches 1.0 (float from JSON).
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var na, nb any
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return bytes.Equal(ja, jb)
	}
	return reflect.DeepEqual(na, nb)
}
