package control

import (
	"context"
	"sync"
	"time"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// recorder collects observer events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []schema.ControlState {
	var out []schema.ControlState
	for _, ev := range r.ofType(schema.EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

// gatedRunner blocks steps listed in gates until their channel is closed
// and counts invocations per step.
type gatedRunner struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[string]chan struct{}
	fail  map[string]int // remaining failures per step
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		calls: map[string]int{},
		gates: map[string]chan struct{}{},
		fail:  map[string]int{},
	}
}

func (g *gatedRunner) block(stepID string) chan struct{} {
	ch := make(chan struct{})
	g.mu.Lock()
	g.gates[stepID] = ch
	g.mu.Unlock()
	return ch
}

func (g *gatedRunner) failFirst(stepID string, n int) {
	g.mu.Lock()
	g.fail[stepID] = n
	g.mu.Unlock()
}

func (g *gatedRunner) Invoke(ctx context.Context, req engine.ActionRequest, _ *engine.RunContext) (any, error) {
	g.mu.Lock()
	g.calls[req.StepID]++
	gate := g.gates[req.StepID]
	fail := g.fail[req.StepID] > 0
	if fail {
		g.fail[req.StepID]--
	}
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, schema.NewError(schema.ErrCodeExecution, "boom")
	}
	return "ok", nil
}

func (g *gatedRunner) count(stepID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[stepID]
}

// chain builds a linear workflow a -> b -> c ...
func chain(ids ...string) *engine.Workflow {
	wf := &engine.Workflow{ID: "wf", Name: "chain"}
	for i, id := range ids {
		s := &engine.Step{ID: id, Action: "noop"}
		if i > 0 {
			s.Dependencies = []string{ids[i-1]}
		}
		wf.Steps = append(wf.Steps, s)
	}
	return wf
}

func newController(r engine.ActionRunner, m *Machine) *engine.Controller {
	exec := engine.NewStepExecutor(r, engine.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	return engine.NewController(exec, engine.WithGate(m))
}

// runAsync starts wf and returns a channel carrying its report.
func runAsync(c *engine.Controller, wf *engine.Workflow) <-chan *schema.RunReport {
	out := make(chan *schema.RunReport, 1)
	go func() { out <- c.Run(context.Background(), wf) }()
	return out
}

func waitState(m *Machine, want schema.ControlState) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
