package engine

import (
	"context"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Directive tells the controller how to continue after consulting a Gate.
type Directive int

const (
	Proceed Directive = iota
	Cancel            // finish in-flight work, start nothing new
	Abort             // stop now without waiting
)

func (d Directive) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Cancel:
		return "cancel"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Gate lets a long-lived controller (pause, step, breakpoints) intervene in
// a run. BeforeLevel and BeforeStep may block; both must return Abort once
// ctx is done. BeforeStep is called exactly once per step entry, before the
// first attempt.
type Gate interface {
	RunStarted(runID string, wf *Workflow, plan *ExecutionPlan)
	BeforeLevel(ctx context.Context, level int, stepIDs []string) Directive
	BeforeStep(ctx context.Context, stepID string, rc *RunContext) Directive
	StepSettled(stepID string, result *schema.StepResult)
	RunFinished(report *schema.RunReport)

	// Aborted is closed when an abort is confirmed for the current run.
	Aborted() <-chan struct{}

	// RetryOverride returns the retry configuration to use for retry-one,
	// or nil to keep the step's own.
	RetryOverride() *RetryOverride
}

type noopGate struct{}

func (noopGate) RunStarted(string, *Workflow, *ExecutionPlan) {}

func (noopGate) BeforeLevel(ctx context.Context, _ int, _ []string) Directive {
	if ctx.Err() != nil {
		return Abort
	}
	return Proceed
}

func (noopGate) BeforeStep(ctx context.Context, _ string, _ *RunContext) Directive {
	if ctx.Err() != nil {
		return Abort
	}
	return Proceed
}

func (noopGate) StepSettled(string, *schema.StepResult) {}
func (noopGate) RunFinished(*schema.RunReport)          {}
func (noopGate) Aborted() <-chan struct{}               { return nil }
func (noopGate) RetryOverride() *RetryOverride          { return nil }
