package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// --- helpers ---

func step(id string, deps ...string) *Step {
	return &Step{ID: id, Action: "noop", Dependencies: deps}
}

type actionFunc func(ctx context.Context, attempt int) (any, error)

// testRunner dispatches on step id and counts invocations.
type testRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fns   map[string]actionFunc
}

func newTestRunner() *testRunner {
	return &testRunner{calls: map[string]int{}, fns: map[string]actionFunc{}}
}

func (r *testRunner) on(stepID string, fn actionFunc) *testRunner {
	r.mu.Lock()
	r.fns[stepID] = fn
	r.mu.Unlock()
	return r
}

func (r *testRunner) Invoke(ctx context.Context, req ActionRequest, rc *RunContext) (any, error) {
	r.mu.Lock()
	r.calls[req.StepID]++
	fn := r.fns[req.StepID]
	r.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(ctx, req.Attempt)
}

func (r *testRunner) count(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stepID]
}

func (r *testRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func failing(msg string) actionFunc {
	return func(context.Context, int) (any, error) { return nil, errors.New(msg) }
}

func sleeping(d time.Duration) actionFunc {
	return func(ctx context.Context, _ int) (any, error) {
		select {
		case <-time.After(d):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// failTimes fails the first n attempts and then succeeds.
func failTimes(n int) actionFunc {
	return func(_ context.Context, attempt int) (any, error) {
		if attempt < n {
			return nil, errors.New("transient")
		}
		return map[string]any{"attempt": attempt}, nil
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fakeGate embeds the pass-through gate and records callbacks.
type fakeGate struct {
	noopGate

	mu        sync.Mutex
	beforeLvl func(ctx context.Context, level int) Directive
	abortCh   chan struct{}
	override  *RetryOverride
	settled   []string
	started   string
	finished  *schema.RunReport
}

func (g *fakeGate) RunStarted(runID string, _ *Workflow, _ *ExecutionPlan) {
	g.mu.Lock()
	g.started = runID
	g.mu.Unlock()
}

func (g *fakeGate) BeforeLevel(ctx context.Context, level int, ids []string) Directive {
	if g.beforeLvl != nil {
		return g.beforeLvl(ctx, level)
	}
	return g.noopGate.BeforeLevel(ctx, level, ids)
}

func (g *fakeGate) StepSettled(stepID string, _ *schema.StepResult) {
	g.mu.Lock()
	g.settled = append(g.settled, stepID)
	g.mu.Unlock()
}

func (g *fakeGate) RunFinished(r *schema.RunReport) {
	g.mu.Lock()
	g.finished = r
	g.mu.Unlock()
}

func (g *fakeGate) Aborted() <-chan struct{} { return g.abortCh }

func (g *fakeGate) RetryOverride() *RetryOverride { return g.override }

type memorySink struct {
	mu      sync.Mutex
	reports []*schema.RunReport
}

func (s *memorySink) SaveReport(_ context.Context, r *schema.RunReport) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	return nil
}

func statuses(r *schema.RunReport) map[string]schema.StepStatus {
	out := make(map[string]schema.StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		out[s.StepID] = s.Status
	}
	return out
}
