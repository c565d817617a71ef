package control

import (
	"context"
	"time"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/streaming"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Event is delivered to observers after every observable change.
type Event struct {
	Type       string               `json:"type"`
	State      schema.ControlState  `json:"state"`
	Previous   schema.ControlState  `json:"previous,omitempty"`
	RunID      string               `json:"run_id,omitempty"`
	WorkflowID string               `json:"workflow_id,omitempty"`
	StepID     string               `json:"step_id,omitempty"`
	Breakpoint *Breakpoint          `json:"breakpoint,omitempty"`
	Progress   *Progress            `json:"progress,omitempty"`
	Pending    *PendingConfirmation `json:"pending,omitempty"`
	Retry      *RetryConfig         `json:"retry,omitempty"`
	Status     string               `json:"status,omitempty"`
	At         time.Time            `json:"at"`
}

// Observer receives machine events. It is called synchronously, outside the
// machine lock, in subscription order.
type Observer func(Event)

type subscription struct {
	id uint64
	fn Observer
}

// Subscribe registers o and returns a function that removes it. Calling
// the returned function more than once is harmless.
func (m *Machine) Subscribe(o Observer) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscription{id: id, fn: o})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// emit queues ev for delivery once the lock is released. Caller holds m.mu.
func (m *Machine) emit(ev Event) {
	ev.State = m.session.State
	if ev.RunID == "" {
		ev.RunID = m.runID
	}
	ev.WorkflowID = m.workflowID
	ev.At = m.now()
	m.outbox = append(m.outbox, ev)
}

func (m *Machine) emitState(prev schema.ControlState) {
	if prev == m.session.State {
		return
	}
	m.emit(Event{Type: schema.EventStateChanged, Previous: prev})
}

// unlock releases m.mu and delivers queued events.
func (m *Machine) unlock() {
	evs := m.outbox
	m.outbox = nil
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	for _, ev := range evs {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// PublishTo returns an observer that forwards every event to hub. Publish
// errors are dropped; the hub is a best-effort live surface.
func PublishTo(ctx context.Context, hub streaming.EventHub) Observer {
	return func(ev Event) {
		_ = hub.Publish(ctx, streaming.StreamEvent{
			RunID:      ev.RunID,
			WorkflowID: ev.WorkflowID,
			StepID:     ev.StepID,
			Type:       ev.Type,
			At:         ev.At,
			Payload:    ev,
		})
	}
}

// stepEvent builds a progress event for a settled step.
func stepEvent(stepID string, res *schema.StepResult, p Progress) Event {
	ev := Event{Type: schema.EventProgressChanged, StepID: stepID, Progress: &p}
	if res != nil {
		ev.Status = string(res.Status)
	}
	return ev
}

var _ engine.Gate = (*Machine)(nil)
