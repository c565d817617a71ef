package schema

// Event type constants for run logs and the live signal surface.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunAborted   = "run_aborted"
	EventRunTimedOut  = "run_timed_out"

	EventSetupFailed     = "setup_failed"
	EventTeardownFailed  = "teardown_failed"
	EventLevelStarted    = "level_started"
	EventLevelSettled    = "level_settled"
	EventCriticalFailure = "critical_failure"

	EventStepStarted      = "step_started"
	EventStepAttempt      = "step_attempt"
	EventStepAttemptError = "step_attempt_failed"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventStepSkipped      = "step_skipped"
	EventStepRetrying     = "step_retrying"
	EventStepHookFailed   = "step_hook_failed"

	EventCircuitBreakerOpen = "circuit_breaker_open"

	EventStateChanged          = "state-changed"
	EventBreakpointHit         = "breakpoint-hit"
	EventProgressChanged       = "progress-changed"
	EventConfirmationRequested = "confirmation-requested"
	EventConfirmationCleared   = "confirmation-cleared"
	EventRetryRequested        = "retry-requested"
	EventBreakpointsChanged    = "breakpoints-changed"
	EventSelectionChanged      = "selection-changed"
)

// StepStatus is the final outcome of a single step within a run.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
	StepStatusSkipped StepStatus = "skipped"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
	RunStatusPartial RunStatus = "partial"
	RunStatusSkipped RunStatus = "skipped"
)

// ControlState is the state of the interactive control session.
type ControlState string

const (
	ControlIdle       ControlState = "idle"
	ControlRunning    ControlState = "running"
	ControlPaused     ControlState = "paused"
	ControlDebugging  ControlState = "debugging"
	ControlCancelling ControlState = "cancelling"
	ControlCompleted  ControlState = "completed"
	ControlFailed     ControlState = "failed"
)
