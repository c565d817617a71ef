// Package orchestrator assembles the engine, the control machine and the
// definition pipeline into one long-lived object that command sources
// (CLI, MCP, scheduler) drive.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sethdford/vibex-sub011/internal/actions"
	"github.com/sethdford/vibex-sub011/internal/compiler"
	"github.com/sethdford/vibex-sub011/internal/control"
	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/internal/streaming"
	"github.com/sethdford/vibex-sub011/internal/validation"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Config configures an Orchestrator. Zero values are usable.
type Config struct {
	PoolSize       int
	ConfirmTimeout time.Duration
	Shell          actions.ShellConfig
	HTTP           actions.HTTPConfig
	Sink           engine.ReportSink  // optional
	Hub            streaming.EventHub // optional
	Breakers       *engine.CircuitBreakerConfig
	Sleeper        engine.Sleeper // retry delay, replaced in tests
	Logger         *slog.Logger
}

// Orchestrator owns one control Machine and runs at most one workflow at
// a time.
type Orchestrator struct {
	machine    *control.Machine
	router     *control.Router
	controller *engine.Controller
	compiler   *compiler.Compiler
	validator  *validation.WorkflowValidator
	registry   *actions.Registry
	engines    *expressions.Set
	hub        streaming.EventHub
	logger     *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	staged *engine.Workflow
	active *Handle
	last   *schema.RunReport
	lastWF *engine.Workflow
}

// New builds the action registry, expression engines, validator, compiler,
// engine controller and control machine, and wires them together.
func New(cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	engines, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}

	// The validator needs the registry for action lookups and the registry
	// needs the validator's schemas for param checks, so the check is
	// bound late.
	var schemas *validation.JSONSchemaValidator
	reg := actions.NewRegistry(
		actions.WithLogger(logger),
		actions.WithParamCheck(func(action string, s json.RawMessage, params map[string]any) error {
			return schemas.ParamCheck(action, s, params)
		}),
	)
	validator, err := validation.NewWorkflowValidator(reg, engines)
	if err != nil {
		return nil, err
	}
	schemas = validator.Schemas()

	if err := actions.RegisterBuiltins(reg, actions.Config{
		Shell:   cfg.Shell,
		HTTP:    cfg.HTTP,
		Engines: engines,
		Schemas: schemas.Check,
		Logger:  logger,
	}); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		compiler:  compiler.New(engines, reg, compiler.WithSchemaCheck(schemas.Check), compiler.WithLogger(logger)),
		validator: validator,
		registry:  reg,
		engines:   engines,
		hub:       cfg.Hub,
		logger:    logger,
	}
	o.base, o.cancel = context.WithCancel(context.Background())

	o.machine = control.New(
		control.WithConfirmTimeout(cfg.ConfirmTimeout),
		control.WithConditions(o.breakpointCondition),
		control.WithLauncher(o.play),
		control.WithLogger(logger),
	)
	o.router = control.NewRouter(o.machine,
		control.WithRetrier(o.retryFromDialog),
		control.WithRouterLogger(logger),
	)
	if cfg.Hub != nil {
		o.machine.Subscribe(control.PublishTo(o.base, cfg.Hub))
	}

	execOpts := []engine.ExecutorOption{engine.WithExecutorLogger(logger)}
	if cfg.Sleeper != nil {
		execOpts = append(execOpts, engine.WithSleeper(cfg.Sleeper))
	}
	breakers := engine.DefaultCircuitBreakerConfig()
	if cfg.Breakers != nil {
		breakers = *cfg.Breakers
	}
	execOpts = append(execOpts, engine.WithCircuitBreakers(engine.NewCircuitBreakerRegistry(breakers)))

	o.controller = engine.NewController(
		engine.NewStepExecutor(reg, execOpts...),
		engine.WithGate(o.machine),
		engine.WithReportSink(cfg.Sink),
		engine.WithPoolSize(cfg.PoolSize),
		engine.WithLogger(logger),
	)
	return o, nil
}

// Machine returns the control machine.
func (o *Orchestrator) Machine() *control.Machine { return o.machine }

// Router returns the input router bound to the machine.
func (o *Orchestrator) Router() *control.Router { return o.router }

// Actions lists the registered actions.
func (o *Orchestrator) Actions() []actions.ActionInfo { return o.registry.List() }

// Validate checks def without loading it.
func (o *Orchestrator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return o.validator.Validate(def)
}

// Compile validates and compiles def.
func (o *Orchestrator) Compile(def *schema.WorkflowDefinition) (*engine.Workflow, error) {
	if err := o.validator.Validate(def).ToError(); err != nil {
		return nil, err
	}
	return o.compiler.Compile(def)
}

// Load compiles def and stages it as the workflow play starts. The step
// list of the machine follows the staged workflow.
func (o *Orchestrator) Load(def *schema.WorkflowDefinition) (*engine.Workflow, error) {
	wf, err := o.Compile(def)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.staged = wf
	o.mu.Unlock()

	ids := make([]string, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		ids = append(ids, s.ID)
	}
	o.machine.SetSteps(ids)
	o.logger.Debug("workflow loaded", slog.String("workflow_id", wf.ID), slog.Int("steps", len(ids)))
	return wf, nil
}

// LoadFile reads, validates, compiles and stages a definition file.
func (o *Orchestrator) LoadFile(path string) (*engine.Workflow, error) {
	def, err := compiler.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return o.Load(def)
}

// Staged returns the workflow play would start, or nil.
func (o *Orchestrator) Staged() *engine.Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.staged
}

// Active reports whether a run or a retry is in progress.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Current returns the handle of the active run, or nil.
func (o *Orchestrator) Current() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// LastReport returns the report of the most recent finished run or retry.
func (o *Orchestrator) LastReport() *schema.RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Start runs wf in the background for the lifetime of the orchestrator.
// It fails with CONFLICT while another run is active.
func (o *Orchestrator) Start(wf *engine.Workflow) (*Handle, error) {
	return o.start(o.base, wf, "")
}

// Run runs wf and waits for its report. Cancelling ctx aborts the run.
func (o *Orchestrator) Run(ctx context.Context, wf *engine.Workflow) (*schema.RunReport, error) {
	h, err := o.start(ctx, wf, "")
	if err != nil {
		return nil, err
	}
	return h.Wait(context.Background())
}

// RunFile loads and runs a definition file without staging it, so a
// scheduled run leaves the interactive workflow in place.
func (o *Orchestrator) RunFile(ctx context.Context, path string) (*schema.RunReport, error) {
	def, err := compiler.LoadFile(path)
	if err != nil {
		return nil, err
	}
	wf, err := o.Compile(def)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, wf)
}

// StartRetry re-executes stepID of the last run in the background, using
// the machine's retry override when one was submitted.
func (o *Orchestrator) StartRetry(stepID string) (*Handle, error) {
	o.mu.Lock()
	wf := o.lastWF
	o.mu.Unlock()
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no previous run to retry")
	}
	return o.start(o.base, wf, stepID)
}

// Retry is StartRetry followed by Wait.
func (o *Orchestrator) Retry(ctx context.Context, stepID string) (*schema.RunReport, error) {
	h, err := o.StartRetry(stepID)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Input routes one key or command name through the Router.
func (o *Orchestrator) Input(key string) (bool, error) {
	return o.router.Dispatch(control.Key(key))
}

// Wait blocks until no run is active or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	h := o.Current()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts any active run and waits for it to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) start(parent context.Context, wf *engine.Workflow, retryStep string) (*Handle, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no workflow loaded")
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q is already running", o.active.WorkflowID)
	}
	if o.base.Err() != nil {
		o.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeCancelled, "orchestrator is closed")
	}
	var prev *schema.RunReport
	if retryStep != "" {
		prev = o.last
	}
	h := newHandle(wf.ID, retryStep)
	o.active = h
	o.wg.Add(1)
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(o.base, cancel)

	go func() {
		defer o.wg.Done()
		defer cancel()
		defer stop()

		var (
			report *schema.RunReport
			err    error
		)
		if retryStep == "" {
			o.logger.Info("run starting", slog.String("workflow_id", wf.ID))
			report = o.controller.Run(ctx, wf)
		} else {
			o.logger.Info("retry starting", slog.String("workflow_id", wf.ID), slog.String("step_id", retryStep))
			report, err = o.controller.RetryStep(ctx, wf, prev, retryStep)
		}

		o.mu.Lock()
		if report != nil {
			o.last = report
			o.lastWF = wf
		}
		o.active = nil
		o.mu.Unlock()

		if report != nil {
			o.publishOutcome(report)
		}
		if err != nil {
			o.logger.Warn("retry failed", slog.String("step_id", retryStep), slog.String("error", err.Error()))
		}
		h.finish(report, err)
	}()
	return h, nil
}

// play is the machine's launcher.
func (o *Orchestrator) play() error {
	_, err := o.Start(o.Staged())
	return err
}

// retryFromDialog is the router's retrier.
func (o *Orchestrator) retryFromDialog(cfg control.RetryConfig) error {
	_, err := o.StartRetry(cfg.StepID)
	return err
}

// breakpointCondition evaluates a CEL condition over the live run scope.
func (o *Orchestrator) breakpointCondition(condition string, rc *engine.RunContext) (bool, error) {
	return expressions.Bool(o.base, o.engines.CEL, condition, expressions.RunScope(rc, nil))
}

func (o *Orchestrator) publishOutcome(report *schema.RunReport) {
	if o.hub == nil {
		return
	}
	typ := schema.EventRunCompleted
	switch {
	case report.Aborted:
		typ = schema.EventRunAborted
	case report.Cancelled:
		typ = schema.EventRunCancelled
	case report.Status == schema.RunStatusFailure:
		typ = schema.EventRunFailed
	}
	_ = o.hub.Publish(o.base, streaming.StreamEvent{
		RunID:      report.RunID,
		WorkflowID: report.WorkflowID,
		Type:       typ,
		At:         report.Timing.EndedAt,
		Payload: map[string]any{
			"status":      report.Status,
			"duration_ms": report.Timing.DurationMs,
			"succeeded":   report.Timing.Succeeded,
			"failed":      report.Timing.Failed,
			"skipped":     report.Timing.Skipped,
			"retry_of":    report.RetryOf,
		},
	})
}
