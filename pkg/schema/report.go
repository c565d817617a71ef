package schema

import "time"

// StepResult is the per-step outcome recorded in a RunReport.
type StepResult struct {
	StepID           string     `json:"step_id"`
	Name             string     `json:"name,omitempty"`
	Status           StepStatus `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
	Retries          int        `json:"retries"`
	Output           any        `json:"output,omitempty"`
	ValidationErrors []string   `json:"validation_errors,omitempty"`
	Error            string     `json:"error,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ExpectedFailure  bool       `json:"expected_failure,omitempty"` // failed on the final attempt but was expected to
	Warnings         []string   `json:"warnings,omitempty"`
}

// Timing holds the aggregate timing statistics of a run.
type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
	Levels     int       `json:"levels"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Retries    int       `json:"retries"`
	SlowestMs  int64     `json:"slowest_ms"`
	SlowestID  string    `json:"slowest_step,omitempty"`

	// PeakConcurrency is the most steps of one level seen in flight at once.
	PeakConcurrency int `json:"peak_concurrency"`
}

// LogEntry is a timestamped event recorded in the run context.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
}

// RunReport is the finalized outcome of one run. It is handed to a report
// sink once and must not be mutated afterwards.
type RunReport struct {
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Status     RunStatus      `json:"status"`
	Steps      []StepResult   `json:"steps"`
	Errors     []string       `json:"errors,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Timing     Timing         `json:"timing"`
	State      map[string]any `json:"state,omitempty"`
	Logs       []LogEntry     `json:"logs,omitempty"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
	RetryOf    string         `json:"retry_of,omitempty"` // run ID this report amends
}

// Result returns the result recorded for stepID, or nil.
func (r *RunReport) Result(stepID string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a copy that shares no slices or maps with r. Step outputs
// and state values are copied by reference.
func (r *RunReport) Clone() *RunReport {
	cp := *r
	cp.Steps = make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		s.ValidationErrors = append([]string(nil), s.ValidationErrors...)
		s.Warnings = append([]string(nil), s.Warnings...)
		cp.Steps[i] = s
	}
	cp.Errors = append([]string(nil), r.Errors...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	cp.Logs = append([]LogEntry(nil), r.Logs...)
	if r.State != nil {
		cp.State = make(map[string]any, len(r.State))
		for k, v := range r.State {
			cp.State[k] = v
		}
	}
	return &cp
}
