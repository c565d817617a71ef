package orchestrator

import (
	"context"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Handle tracks one background run or retry.
type Handle struct {
	WorkflowID string
	RetryStep  string // empty for a full run

	done   chan struct{}
	report *schema.RunReport
	err    error
}

func newHandle(workflowID, retryStep string) *Handle {
	return &Handle{WorkflowID: workflowID, RetryStep: retryStep, done: make(chan struct{})}
}

func (h *Handle) finish(report *schema.RunReport, err error) {
	h.report, h.err = report, err
	close(h.done)
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait returns the report once the run finishes. A done ctx gives up
// waiting with CANCELLED; the run keeps going.
func (h *Handle) Wait(ctx context.Context) (*schema.RunReport, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "stopped waiting for run").WithCause(ctx.Err())
	}
}
