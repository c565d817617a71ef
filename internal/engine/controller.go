package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// timeoutGrace is how long a timed-out level may take to settle before its
// in-flight steps are recorded as timed out.
const timeoutGrace = 250 * time.Millisecond

// Controller drives a workflow level by level and produces its RunReport.
type Controller struct {
	exec     *StepExecutor
	gate     Gate
	sink     ReportSink
	poolSize int
	logger   *slog.Logger
	newRunID func() string
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithGate installs the gate consulted before every level and step.
func WithGate(g Gate) ControllerOption {
	return func(c *Controller) {
		if g != nil {
			c.gate = g
		}
	}
}

// WithReportSink hands every finalized report to s.
func WithReportSink(s ReportSink) ControllerOption {
	return func(c *Controller) { c.sink = s }
}

// WithPoolSize bounds step concurrency within a level. Without it every
// step of a level is launched at once.
func WithPoolSize(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a Controller around exec.
func NewController(exec *StepExecutor, opts ...ControllerOption) *Controller {
	c := &Controller{
		exec:     exec,
		gate:     noopGate{},
		logger:   logging.Discard(),
		newRunID: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// runState is the bookkeeping of one Run call.
type runState struct {
	id   string
	wf   *Workflow
	plan *ExecutionPlan
	rc   *RunContext

	cancelRun context.CancelFunc
	abortOnce sync.Once
	abortCh   chan struct{}

	mu        sync.Mutex
	results   map[string]*schema.StepResult
	inflight  map[string]time.Time
	sealed    bool
	aborted   bool
	cancelled bool
	fatal     bool
	errors    []string
	warnings  []string
	levels    int
	peak      int // most steps of one level in flight at once
}

func (r *runState) abort() {
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.aborted = true
		r.mu.Unlock()
		close(r.abortCh)
		r.cancelRun()
	})
}

func (r *runState) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *runState) isFatal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *runState) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *runState) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *runState) dispatch(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.inflight[stepID] = time.Now().UTC()
	return true
}

// record stores a settled result unless the run was sealed first.
func (r *runState) record(res *schema.StepResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	delete(r.inflight, res.StepID)
	r.results[res.StepID] = res
	return true
}

// seal stops accepting results and fails every in-flight step with code.
func (r *runState) seal(code, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.sealed = true
	now := time.Now().UTC()
	for id, started := range r.inflight {
		st := started
		end := now
		r.results[id] = &schema.StepResult{
			StepID:     id,
			Name:       r.plan.Steps[id].DisplayName(),
			Status:     schema.StepStatusFailure,
			StartedAt:  &st,
			EndedAt:    &end,
			DurationMs: end.Sub(st).Milliseconds(),
			Error:      message,
			ErrorCode:  code,
		}
	}
	r.inflight = map[string]time.Time{}
}

func (r *runState) result(stepID string) *schema.StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[stepID]
}

func (r *runState) addError(msg string) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *runState) addWarning(msg string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}

func (r *runState) notePeak(n int) {
	r.mu.Lock()
	r.peak = max(r.peak, n)
	r.mu.Unlock()
}

func (r *runState) setFatal(msg string) {
	r.mu.Lock()
	r.fatal = true
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

// Run executes wf to completion and returns its report. It never returns a
// partial report: every defined step has exactly one entry.
func (c *Controller) Run(ctx context.Context, wf *Workflow) *schema.RunReport {
	r := &runState{
		id:       c.newRunID(),
		wf:       wf,
		abortCh:  make(chan struct{}),
		results:  make(map[string]*schema.StepResult, len(wf.Steps)),
		inflight: make(map[string]time.Time),
	}
	r.rc = NewRunContext(r.id, wf.ID, wf.State)
	ctx = logging.WithRun(ctx, r.id, wf.ID)
	started := time.Now().UTC()

	var runCtx context.Context
	if wf.Timeout > 0 {
		runCtx, r.cancelRun = context.WithTimeout(ctx, wf.Timeout)
	} else {
		runCtx, r.cancelRun = context.WithCancel(ctx)
	}
	defer r.cancelRun()

	plan, planErr := BuildPlan(wf.Steps)
	r.plan = plan
	if plan == nil {
		r.plan = &ExecutionPlan{Steps: map[string]*Step{}}
	}

	c.logger.InfoContext(ctx, "run started", slog.Int("steps", len(wf.Steps)))
	r.rc.Log("", schema.EventRunStarted, wf.Name, 0)
	c.gate.RunStarted(r.id, wf, plan)

	watchDone := make(chan struct{})
	watchExited := make(chan struct{})
	go func() {
		defer close(watchExited)
		select {
		case <-c.gate.Aborted():
			r.abort()
		case <-watchDone:
		}
	}()

	critical := false
	switch {
	case planErr != nil:
		r.setFatal(planErr.Error())
	case wf.Setup != nil:
		if err := wf.Setup(runCtx, r.rc); err != nil {
			e := schema.NewErrorf(schema.ErrCodeSetup, "setup failed: %s", err.Error()).WithCause(err)
			r.setFatal(e.Error())
			r.rc.Log("", schema.EventSetupFailed, err.Error(), 0)
		}
	}
	if !r.isFatal() {
		critical = c.runLevels(runCtx, r)
	}

	close(watchDone)
	<-watchExited

	timedOut := !r.isAborted() && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	switch {
	case r.isAborted():
		r.seal(schema.ErrCodeAborted, "aborted")
		r.addError(schema.NewError(schema.ErrCodeAborted, "run aborted").Error())
		r.rc.Log("", schema.EventRunAborted, "", 0)
	case timedOut:
		r.seal(schema.ErrCodeTimeout, "workflow timed out")
		r.addError(schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %s", wf.Timeout).Error())
		r.rc.Log("", schema.EventRunTimedOut, "", 0)
	default:
		r.seal(schema.ErrCodeAborted, "aborted")
	}

	stateInvalid := false
	if wf.ValidateState != nil && !r.isFatal() && !r.isAborted() && !timedOut {
		ok, err := wf.ValidateState(r.rc)
		switch {
		case err != nil:
			stateInvalid = true
			r.addError(schema.NewErrorf(schema.ErrCodeStateValidation, "state validation error: %s", err.Error()).Error())
		case !ok:
			stateInvalid = true
			r.addError(schema.NewError(schema.ErrCodeStateValidation, "final state failed validation").Error())
		}
	}

	if wf.Teardown != nil && planErr == nil {
		if err := wf.Teardown(context.WithoutCancel(ctx), r.rc); err != nil {
			r.addWarning(schema.NewErrorf(schema.ErrCodeTeardown, "teardown failed: %s", err.Error()).Error())
			r.rc.Log("", schema.EventTeardownFailed, err.Error(), 0)
		}
	}

	report := c.buildReport(r, started)
	failed := r.isFatal() || critical || r.isAborted() || timedOut || stateInvalid
	report.Status = computeStatus(report.Steps, failed, report.Cancelled)

	switch report.Status {
	case schema.RunStatusFailure:
		r.rc.Log("", schema.EventRunFailed, "", 0)
	case schema.RunStatusSuccess, schema.RunStatusPartial, schema.RunStatusSkipped:
		if report.Cancelled {
			r.rc.Log("", schema.EventRunCancelled, "", 0)
		} else {
			r.rc.Log("", schema.EventRunCompleted, "", 0)
		}
	}
	report.Logs = r.rc.Logs()

	c.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(report.Status)),
		slog.Int64("duration_ms", report.Timing.DurationMs),
		slog.Int("peak_concurrency", report.Timing.PeakConcurrency))

	c.gate.RunFinished(report)
	c.save(ctx, report)
	return report
}

// runLevels walks the plan and reports whether a critical failure halted it.
func (c *Controller) runLevels(ctx context.Context, r *runState) bool {
	for li, ids := range r.plan.Levels {
		if ctx.Err() != nil {
			return false
		}
		switch c.gate.BeforeLevel(ctx, li, ids) {
		case Cancel:
			r.markCancelled()
			c.logger.InfoContext(ctx, "run cancelled before level", slog.Int("level", li))
			return false
		case Abort:
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.abort()
			}
			return false
		}

		r.levels = li + 1
		r.rc.Log("", schema.EventLevelStarted, fmt.Sprintf("level %d: %v", li, ids), 0)
		if !c.runLevel(ctx, r, ids) {
			return false
		}
		r.rc.Log("", schema.EventLevelSettled, fmt.Sprintf("level %d", li), 0)

		if r.isFatal() {
			return false
		}
		for _, id := range ids {
			res := r.result(id)
			if res != nil && res.Status == schema.StepStatusFailure {
				r.addError(schema.NewErrorf(schema.ErrCodeCriticalFailure,
					"step %s failed: %s", id, res.Error).WithStep(id).Error())
				r.rc.Log(id, schema.EventCriticalFailure, res.Error, 0)
				c.logger.WarnContext(ctx, "critical failure, halting", slog.String("step_id", id))
				return true
			}
		}
		if r.isCancelled() {
			return false
		}
	}
	return false
}

// runLevel launches every step of a level and waits for all of them to
// settle. It returns false when the run was aborted or timed out meanwhile.
func (c *Controller) runLevel(ctx context.Context, r *runState, ids []string) bool {
	size := len(ids)
	if c.poolSize > 0 && c.poolSize < size {
		size = c.poolSize
	}
	pool := NewStepPool(size)
	pool.OnPanic = func(stepID string, v any) {
		c.logger.ErrorContext(ctx, "step task panicked", slog.String("step_id", stepID), slog.Any("panic", v))
	}
	defer func() {
		stats := pool.Stats()
		r.notePeak(stats.Peak)
		c.logger.DebugContext(ctx, "level pool stats", slog.Int("size", pool.Size()), slog.String("stats", stats.String()))
	}()

	for _, id := range ids {
		step := r.plan.Steps[id]
		if pool.Go(ctx, id, func(ctx context.Context) { c.runStep(ctx, r, step) }) != nil {
			break
		}
	}
	settled := pool.Settled()

	select {
	case <-settled:
		return ctx.Err() == nil
	case <-r.abortCh:
		return false
	case <-ctx.Done():
		select {
		case <-settled:
		case <-r.abortCh:
		case <-time.After(timeoutGrace):
		}
		return false
	}
}

func (c *Controller) runStep(ctx context.Context, r *runState, step *Step) {
	defer func() {
		if v := recover(); v != nil {
			now := time.Now().UTC()
			res := &schema.StepResult{
				StepID: step.ID, Name: step.DisplayName(), Status: schema.StepStatusFailure,
				StartedAt: &now, EndedAt: &now,
				Error: fmt.Sprintf("panic: %v", v), ErrorCode: schema.ErrCodeExecution,
			}
			r.rc.MarkFailed(step.ID)
			if r.record(res) {
				c.gate.StepSettled(step.ID, res)
			}
		}
	}()

	switch c.gate.BeforeStep(ctx, step.ID, r.rc) {
	case Cancel:
		r.markCancelled()
		res := &schema.StepResult{
			StepID: step.ID, Name: step.DisplayName(), Status: schema.StepStatusSkipped,
			Warnings: []string{"cancelled before start"},
		}
		r.rc.MarkSkipped(step.ID)
		if r.record(res) {
			c.gate.StepSettled(step.ID, res)
		}
		return
	case Abort:
		return
	}

	if !r.dispatch(step.ID) {
		return
	}
	res, err := c.exec.Execute(ctx, step, r.rc)
	if err != nil {
		r.setFatal(err.Error())
		now := time.Now().UTC()
		res = &schema.StepResult{
			StepID: step.ID, Name: step.DisplayName(), Status: schema.StepStatusFailure,
			StartedAt: &now, EndedAt: &now,
			Error: err.Error(), ErrorCode: schema.CodeOf(err),
		}
	}
	if r.record(res) {
		c.gate.StepSettled(step.ID, res)
	}
}

// buildReport assembles the report in definition order, filling in steps
// that never ran as skipped.
func (c *Controller) buildReport(r *runState, started time.Time) *schema.RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &schema.RunReport{
		RunID:      r.id,
		WorkflowID: r.wf.ID,
		Steps:      make([]schema.StepResult, 0, len(r.wf.Steps)),
		Errors:     append([]string(nil), r.errors...),
		Warnings:   append([]string(nil), r.warnings...),
		State:      r.rc.State(),
		Cancelled:  r.cancelled,
		Aborted:    r.aborted,
	}
	for _, s := range r.wf.Steps {
		if res, ok := r.results[s.ID]; ok {
			report.Steps = append(report.Steps, *res)
			continue
		}
		report.Steps = append(report.Steps, schema.StepResult{
			StepID:   s.ID,
			Name:     s.DisplayName(),
			Status:   schema.StepStatusSkipped,
			Warnings: []string{"not attempted"},
		})
	}
	report.Timing = summarize(report.Steps, started, time.Now().UTC(), r.levels)
	report.Timing.PeakConcurrency = r.peak
	return report
}

func (c *Controller) save(ctx context.Context, report *schema.RunReport) {
	if c.sink == nil {
		return
	}
	if err := c.sink.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		c.logger.ErrorContext(ctx, "save report failed", slog.String("error", err.Error()))
	}
}

// RetryStep re-executes one step of a finished run against that run's final
// state. prev is not modified; the returned report replaces the step's
// entry and carries a new run ID.
func (c *Controller) RetryStep(ctx context.Context, wf *Workflow, prev *schema.RunReport, stepID string) (*schema.RunReport, error) {
	if prev == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no previous run to retry")
	}
	if prev.WorkflowID != wf.ID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"report belongs to workflow %q, not %q", prev.WorkflowID, wf.ID)
	}
	step := wf.Step(stepID)
	if step == nil || prev.Result(stepID) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}

	runID := c.newRunID()
	rc := NewRunContext(runID, wf.ID, prev.State)
	for _, sr := range prev.Steps {
		if sr.StepID == stepID {
			continue
		}
		switch sr.Status {
		case schema.StepStatusSuccess:
			rc.MarkCompleted(sr.StepID)
		case schema.StepStatusFailure:
			rc.MarkFailed(sr.StepID)
		case schema.StepStatusSkipped:
			rc.MarkSkipped(sr.StepID)
		}
	}
	for _, dep := range step.Dependencies {
		if !rc.IsCompleted(dep) {
			return nil, schema.NewErrorf(schema.ErrCodeDependency,
				"cannot retry %q: dependency %q did not succeed", stepID, dep).WithStep(stepID)
		}
	}

	ctx = logging.WithRun(ctx, runID, wf.ID)
	started := time.Now().UTC()
	c.logger.InfoContext(ctx, "retrying step", slog.String("step_id", stepID), slog.String("retry_of", prev.RunID))

	res, err := c.exec.Execute(ctx, c.gate.RetryOverride().apply(step), rc)
	if err != nil {
		return nil, err
	}
	c.gate.StepSettled(stepID, res)

	report := prev.Clone()
	report.RunID = runID
	report.RetryOf = prev.RunID
	*report.Result(stepID) = *res
	report.State = rc.State()
	report.Logs = append(report.Logs, rc.Logs()...)
	report.Aborted = false
	report.Cancelled = false
	report.Errors = nil
	for _, sr := range report.Steps {
		if sr.Status == schema.StepStatusFailure {
			report.Errors = append(report.Errors,
				schema.NewErrorf(schema.ErrCodeCriticalFailure, "step %s failed: %s", sr.StepID, sr.Error).WithStep(sr.StepID).Error())
		}
	}
	report.Status = retriedStatus(report.Steps)
	report.Timing = summarize(report.Steps, started, time.Now().UTC(), prev.Timing.Levels)
	report.Timing.PeakConcurrency = 1

	c.save(ctx, report)
	return report, nil
}

// computeStatus applies the run outcome rules: failure for fatal, critical,
// aborted, timed out or invalid-state runs; partial when a step failed or a
// cancelled run got past its first step; skipped when nothing ran.
func computeStatus(steps []schema.StepResult, failed, cancelled bool) schema.RunStatus {
	if failed {
		return schema.RunStatusFailure
	}
	executed, anyFailure := 0, false
	for _, s := range steps {
		if s.Status != schema.StepStatusSkipped {
			executed++
		}
		if s.Status == schema.StepStatusFailure {
			anyFailure = true
		}
	}
	switch {
	case anyFailure:
		return schema.RunStatusPartial
	case cancelled && executed > 0:
		return schema.RunStatusPartial
	case len(steps) > 0 && executed == 0:
		return schema.RunStatusSkipped
	default:
		return schema.RunStatusSuccess
	}
}

// retriedStatus derives the status of a report amended by RetryStep.
func retriedStatus(steps []schema.StepResult) schema.RunStatus {
	skipped := 0
	for _, s := range steps {
		switch s.Status {
		case schema.StepStatusFailure:
			return schema.RunStatusFailure
		case schema.StepStatusSkipped:
			skipped++
		}
	}
	switch {
	case len(steps) > 0 && skipped == len(steps):
		return schema.RunStatusSkipped
	case skipped > 0:
		return schema.RunStatusPartial
	default:
		return schema.RunStatusSuccess
	}
}

func summarize(steps []schema.StepResult, started, ended time.Time, levels int) schema.Timing {
	t := schema.Timing{
		StartedAt:  started,
		EndedAt:    ended,
		DurationMs: ended.Sub(started).Milliseconds(),
		Levels:     levels,
		Total:      len(steps),
	}
	for _, s := range steps {
		switch s.Status {
		case schema.StepStatusSuccess:
			t.Succeeded++
		case schema.StepStatusFailure:
			t.Failed++
		case schema.StepStatusSkipped:
			t.Skipped++
		}
		t.Retries += s.Retries
		if s.Status != schema.StepStatusSkipped && (t.SlowestID == "" || s.DurationMs > t.SlowestMs) {
			t.SlowestMs = s.DurationMs
			t.SlowestID = s.StepID
		}
	}
	return t
}
