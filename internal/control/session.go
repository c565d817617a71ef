package control

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Breakpoint suspends a debug-armed run before StepID starts.
type Breakpoint struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Condition string    `json:"condition,omitempty"`
	Enabled   bool      `json:"enabled"`
	HitCount  int       `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingConfirmation is a destructive command waiting for confirm or deny.
type PendingConfirmation struct {
	Kind        Action    `json:"kind"`
	RequestedAt time.Time `json:"requested_at"`

	seq uint64
}

// RetryConfig is what the retry dialog edits and submits.
type RetryConfig struct {
	StepID     string        `json:"step_id"`
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
	Backoff    string        `json:"backoff,omitempty"`
}

func (c RetryConfig) override() *engine.RetryOverride {
	return &engine.RetryOverride{MaxRetries: c.MaxRetries, Delay: c.Delay, Backoff: c.Backoff}
}

// Session is the control state that outlives individual runs. It is not
// safe for concurrent use on its own; Machine serializes access.
type Session struct {
	State        schema.ControlState
	Selected     int
	Steps        []string
	Pending      *PendingConfirmation
	Override     *engine.RetryOverride
	Breakpoints  map[string]*Breakpoint
	RetryHistory map[string]int
	Dialog       *RetryConfig
	DebugArmed   bool
}

func newSession() *Session {
	return &Session{
		State:        schema.ControlIdle,
		Breakpoints:  make(map[string]*Breakpoint),
		RetryHistory: make(map[string]int),
	}
}

// SelectedStep returns the id under the cursor, or "" with no steps.
func (s *Session) SelectedStep() string {
	if s.Selected < 0 || s.Selected >= len(s.Steps) {
		return ""
	}
	return s.Steps[s.Selected]
}

// move shifts the cursor by delta, clamped to the step list.
func (s *Session) move(delta int) bool {
	if len(s.Steps) == 0 {
		return false
	}
	i := s.Selected + delta
	if i < 0 {
		i = 0
	}
	if i >= len(s.Steps) {
		i = len(s.Steps) - 1
	}
	if i == s.Selected {
		return false
	}
	s.Selected = i
	return true
}

func (s *Session) setSteps(ids []string) {
	s.Steps = append([]string(nil), ids...)
	if s.Selected >= len(s.Steps) {
		s.Selected = 0
	}
}

// toggleBreakpoint adds a breakpoint on stepID or removes the existing one.
// It returns the breakpoint and whether it now exists.
func (s *Session) toggleBreakpoint(stepID string) (*Breakpoint, bool) {
	if bp, ok := s.Breakpoints[stepID]; ok {
		delete(s.Breakpoints, stepID)
		return bp, false
	}
	return s.setBreakpoint(stepID, ""), true
}

func (s *Session) setBreakpoint(stepID, condition string) *Breakpoint {
	bp, ok := s.Breakpoints[stepID]
	if !ok {
		bp = &Breakpoint{
			ID:        uuid.NewString(),
			StepID:    stepID,
			Enabled:   true,
			CreatedAt: time.Now().UTC(),
		}
		s.Breakpoints[stepID] = bp
	}
	bp.Condition = condition
	return bp
}

func (s *Session) breakpointList() []Breakpoint {
	out := make([]Breakpoint, 0, len(s.Breakpoints))
	for _, bp := range s.Breakpoints {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

// clear drops everything a reset discards. Selection and the step list stay.
func (s *Session) clear() {
	s.Pending = nil
	s.Override = nil
	s.Dialog = nil
	s.Breakpoints = make(map[string]*Breakpoint)
	s.RetryHistory = make(map[string]int)
}

// Snapshot is a read-only copy of the session and run progress.
type Snapshot struct {
	State        schema.ControlState   `json:"state"`
	RunID        string                `json:"run_id,omitempty"`
	Selected     string                `json:"selected,omitempty"`
	Steps        []string              `json:"steps,omitempty"`
	Pending      *PendingConfirmation  `json:"pending,omitempty"`
	Override     *engine.RetryOverride `json:"override,omitempty"`
	Breakpoints  []Breakpoint          `json:"breakpoints"`
	RetryHistory map[string]int        `json:"retry_history"`
	Dialog       *RetryConfig          `json:"dialog,omitempty"`
	DebugArmed   bool                  `json:"debug_armed"`
	Progress     Progress              `json:"progress"`
	Held         []string              `json:"held,omitempty"`
}

// Progress counts settled steps of the current or last run.
type Progress struct {
	Settled int `json:"settled"`
	Total   int `json:"total"`
	Level   int `json:"level"`
	Levels  int `json:"levels"`
}
