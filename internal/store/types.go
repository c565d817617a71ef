package store

import (
	"encoding/json"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// ReportSummary is one row of a report listing.
type ReportSummary struct {
	RunID       string           `json:"run_id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      schema.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	DurationMs  int64            `json:"duration_ms"`
	Cancelled   bool             `json:"cancelled,omitempty"`
	Aborted     bool             `json:"aborted,omitempty"`
	RetryOf     string           `json:"retry_of,omitempty"`
	StepCount   int              `json:"step_count"`
	FailedCount int              `json:"failed_count"`
}

// ReportFilter narrows ListReports. Zero values match everything; Limit
// defaults to 50.
type ReportFilter struct {
	WorkflowID string
	Status     schema.RunStatus
	Since      *time.Time
	Limit      int
}

// StepRecord is one persisted step outcome, used for per-step history.
type StepRecord struct {
	RunID      string            `json:"run_id"`
	StepID     string            `json:"step_id"`
	Status     schema.StepStatus `json:"status"`
	Retries    int               `json:"retries"`
	DurationMs int64             `json:"duration_ms"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
}

// ControlEvent is a recorded live event.
type ControlEvent struct {
	RunID    string          `json:"run_id"`
	Sequence int64           `json:"sequence"`
	Type     string          `json:"type"`
	StepID   string          `json:"step_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// Timeline is what ReplayControl reconstructs from a run's control events.
type Timeline struct {
	RunID          string                `json:"run_id"`
	States         []schema.ControlState `json:"states"`
	BreakpointHits map[string]int        `json:"breakpoint_hits,omitempty"`
	Settled        int                   `json:"settled"`
	Total          int                   `json:"total"`
	Confirmations  map[string]int        `json:"confirmations,omitempty"`
	Retries        []string              `json:"retries,omitempty"`
}

// Final returns the last recorded state, or idle.
func (t *Timeline) Final() schema.ControlState {
	if len(t.States) == 0 {
		return schema.ControlIdle
	}
	return t.States[len(t.States)-1]
}
