package engine

import (
	"context"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Backoff strategies understood by ComputeBackoff.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Step is one unit of work in a Workflow. Steps are immutable during a run.
type Step struct {
	ID           string
	Name         string
	Action       string
	Params       map[string]any
	Dependencies []string

	Timeout    time.Duration // per attempt; 0 = unbounded
	MaxRetries int           // attempts after the first
	RetryDelay time.Duration
	Backoff    string // defaults to constant
	MaxDelay   time.Duration

	// ExpectedToFail turns a failure on the final attempt into success.
	ExpectedToFail bool

	// Validator inspects the raw action output. A false result fails the attempt.
	Validator func(output any) (bool, string)

	// ExpectedState is compared key by key against the run state after each attempt.
	ExpectedState map[string]any

	// SkipIf is evaluated once before the first attempt.
	SkipIf func(rc *RunContext) (bool, error)

	Before func(ctx context.Context, rc *RunContext) error
	After  func(ctx context.Context, rc *RunContext, result *schema.StepResult) error
}

// DisplayName returns Name, falling back to ID.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Workflow is an ordered set of steps with optional run-level hooks.
type Workflow struct {
	ID    string
	Name  string
	Steps []*Step
	State map[string]any // initial shared state

	Setup         func(ctx context.Context, rc *RunContext) error
	Teardown      func(ctx context.Context, rc *RunContext) error
	Timeout       time.Duration
	ValidateState func(rc *RunContext) (bool, error)
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ActionRequest is what the Step Executor hands to the ActionRunner.
type ActionRequest struct {
	RunID   string
	StepID  string
	Action  string
	Params  map[string]any
	Attempt int // 0-based
}

// ActionRunner resolves an opaque action reference and performs it.
type ActionRunner interface {
	Invoke(ctx context.Context, req ActionRequest, rc *RunContext) (any, error)
}

// ActionRunnerFunc adapts a function to ActionRunner.
type ActionRunnerFunc func(ctx context.Context, req ActionRequest, rc *RunContext) (any, error)

func (f ActionRunnerFunc) Invoke(ctx context.Context, req ActionRequest, rc *RunContext) (any, error) {
	return f(ctx, req, rc)
}

// ReportSink receives every finalized run report exactly once.
type ReportSink interface {
	SaveReport(ctx context.Context, report *schema.RunReport) error
}

// RetryOverride replaces a step's retry configuration for a single retry-one run.
type RetryOverride struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    string
}

func (o *RetryOverride) apply(s *Step) *Step {
	if o == nil {
		return s
	}
	cp := *s
	cp.MaxRetries = o.MaxRetries
	cp.RetryDelay = o.Delay
	if o.Backoff != "" {
		cp.Backoff = o.Backoff
	}
	return &cp
}
