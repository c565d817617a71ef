package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// ConditionFunc evaluates a breakpoint condition against the live run state.
type ConditionFunc func(condition string, rc *engine.RunContext) (bool, error)

// Launcher starts a run when play is pressed while idle. The run reports
// back through the Gate methods.
type Launcher func() error

// Option configures a Machine.
type Option func(*Machine)

// WithConfirmTimeout denies a pending confirmation automatically after d.
func WithConfirmTimeout(d time.Duration) Option {
	return func(m *Machine) { m.confirmTimeout = d }
}

// WithConditions sets the evaluator for conditional breakpoints. Without
// one, conditions are ignored and every enabled breakpoint matches.
func WithConditions(fn ConditionFunc) Option {
	return func(m *Machine) { m.condition = fn }
}

// WithLauncher sets what play does from idle.
func WithLauncher(fn Launcher) Option {
	return func(m *Machine) { m.launcher = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// Machine is the interactive control state machine. It is long-lived: one
// Machine spans many runs and acts as the engine.Gate of each of them.
type Machine struct {
	mu      sync.Mutex
	session *Session

	logger         *slog.Logger
	confirmTimeout time.Duration
	condition      ConditionFunc
	launcher       Launcher
	now            func() time.Time

	// current run
	runID      string
	workflowID string
	progress   Progress
	abortCh    chan struct{}
	aborted    bool
	held       map[string]int

	// changed is closed and replaced on every mutation that can unblock a
	// waiting level or step.
	changed chan struct{}

	grants      []Action // step commands not yet consumed by a level
	levelIgnore bool     // breakpoints off for the current level
	releaseGen  uint64   // bumped to release steps held at a breakpoint

	pendingSeq uint64
	timer      *time.Timer

	subs    []subscription
	nextSub uint64
	outbox  []Event
}

// New creates an idle Machine with an empty session.
func New(opts ...Option) *Machine {
	m := &Machine{
		session: newSession(),
		logger:  logging.Discard(),
		now:     func() time.Time { return time.Now().UTC() },
		held:    make(map[string]int),
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetLauncher replaces the play launcher.
func (m *Machine) SetLauncher(fn Launcher) {
	m.mu.Lock()
	m.launcher = fn
	m.mu.Unlock()
}

// State returns the current control state.
func (m *Machine) State() schema.ControlState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Snapshot returns a copy of the session and progress.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	snap := Snapshot{
		State:        s.State,
		RunID:        m.runID,
		Selected:     s.SelectedStep(),
		Steps:        append([]string(nil), s.Steps...),
		Breakpoints:  s.breakpointList(),
		RetryHistory: make(map[string]int, len(s.RetryHistory)),
		DebugArmed:   s.DebugArmed,
		Progress:     m.progress,
	}
	for k, v := range s.RetryHistory {
		snap.RetryHistory[k] = v
	}
	if s.Pending != nil {
		p := *s.Pending
		snap.Pending = &p
	}
	if s.Override != nil {
		o := *s.Override
		snap.Override = &o
	}
	if s.Dialog != nil {
		d := *s.Dialog
		snap.Dialog = &d
	}
	for id := range m.held {
		snap.Held = append(snap.Held, id)
	}
	return snap
}

// apply moves the machine along the transition table. Caller holds m.mu.
func (m *Machine) apply(a Action) error {
	from := m.session.State
	to, ok := next(from, a)
	if !ok {
		return invalidTransition(from, a)
	}
	m.session.State = to
	m.logger.Debug("control transition",
		slog.String("action", string(a)),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	m.emitState(from)
	m.broadcast()
	return nil
}

// broadcast wakes every waiter. Caller holds m.mu.
func (m *Machine) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// --- engine.Gate ---

// RunStarted binds the machine to a new run. A machine that is idle or
// finished starts running; one the user already paused stays paused.
func (m *Machine) RunStarted(runID string, wf *engine.Workflow, plan *engine.ExecutionPlan) {
	m.mu.Lock()
	defer m.unlock()

	m.runID = runID
	m.abortCh = make(chan struct{})
	m.aborted = false
	m.held = make(map[string]int)
	m.grants = nil
	m.levelIgnore = false
	m.progress = Progress{}

	if wf != nil {
		m.workflowID = wf.ID
	}
	switch {
	case plan != nil:
		m.progress.Total = plan.StepCount()
		m.progress.Levels = len(plan.Levels)
		m.session.setSteps(plan.Order)
	case wf != nil:
		ids := make([]string, 0, len(wf.Steps))
		for _, s := range wf.Steps {
			if s != nil {
				ids = append(ids, s.ID)
			}
		}
		m.progress.Total = len(ids)
		m.session.setSteps(ids)
	}

	if Allowed(m.session.State, actionBegin) {
		_ = m.apply(actionBegin)
	}
	p := m.progress
	m.emit(Event{Type: schema.EventProgressChanged, Progress: &p})
}

// BeforeLevel blocks while the session is paused or debugging, unless a
// step command granted this level.
func (m *Machine) BeforeLevel(ctx context.Context, level int, _ []string) engine.Directive {
	m.mu.Lock()
	for {
		if m.aborted || ctx.Err() != nil {
			m.unlock()
			return engine.Abort
		}
		st := m.session.State
		if st == schema.ControlCancelling {
			m.unlock()
			return engine.Cancel
		}
		if !suspended(st) {
			m.levelIgnore = false
			m.enterLevel(level)
			m.unlock()
			return engine.Proceed
		}
		if len(m.grants) > 0 {
			g := m.grants[0]
			m.grants = m.grants[1:]
			m.levelIgnore = g == ActionStepOver || g == ActionStepOut
			m.enterLevel(level)
			m.unlock()
			return engine.Proceed
		}
		if !m.wait(ctx) {
			m.unlock()
			return engine.Abort
		}
	}
}

// wait releases the lock until the next change, abort or ctx end, then
// takes it again. It reports false when ctx is done. Caller holds m.mu.
func (m *Machine) wait(ctx context.Context) bool {
	ch, abort := m.changed, m.abortCh
	m.unlock()
	select {
	case <-ch:
	case <-abort:
	case <-ctx.Done():
	}
	m.mu.Lock()
	return ctx.Err() == nil
}

func (m *Machine) enterLevel(level int) {
	m.progress.Level = level
	p := m.progress
	m.emit(Event{Type: schema.EventProgressChanged, Progress: &p})
}

// BeforeStep checks the breakpoint of stepID and, on a hit, holds the step
// until a resume or step command releases it. It runs once per step entry,
// so retries never count extra hits.
func (m *Machine) BeforeStep(ctx context.Context, stepID string, rc *engine.RunContext) engine.Directive {
	m.mu.Lock()
	if m.aborted || ctx.Err() != nil {
		m.unlock()
		return engine.Abort
	}
	if m.session.State == schema.ControlCancelling {
		m.unlock()
		return engine.Cancel
	}

	bp := m.matchBreakpoint(stepID, rc)
	if bp == nil {
		m.unlock()
		return engine.Proceed
	}
	bp.HitCount++
	hit := *bp
	m.emit(Event{Type: schema.EventBreakpointHit, StepID: stepID, Breakpoint: &hit})
	if Allowed(m.session.State, actionBreakpointHit) {
		_ = m.apply(actionBreakpointHit)
	}
	m.logger.Info("breakpoint hit", slog.String("step_id", stepID), slog.Int("hits", hit.HitCount))

	gen := m.releaseGen
	m.held[stepID]++
	defer func() {
		if m.held[stepID]--; m.held[stepID] <= 0 {
			delete(m.held, stepID)
		}
		m.unlock()
	}()
	for {
		switch {
		case m.aborted || ctx.Err() != nil:
			return engine.Abort
		case m.session.State == schema.ControlCancelling:
			return engine.Cancel
		case m.releaseGen != gen:
			return engine.Proceed
		}
		m.wait(ctx)
	}
}

// matchBreakpoint returns the armed breakpoint for stepID, or nil. Caller
// holds m.mu.
func (m *Machine) matchBreakpoint(stepID string, rc *engine.RunContext) *Breakpoint {
	if !m.session.DebugArmed || m.levelIgnore {
		return nil
	}
	bp, ok := m.session.Breakpoints[stepID]
	if !ok || !bp.Enabled {
		return nil
	}
	if bp.Condition == "" || m.condition == nil || rc == nil {
		return bp
	}
	hit, err := m.condition(bp.Condition, rc)
	if err != nil {
		m.logger.Warn("breakpoint condition failed",
			slog.String("step_id", stepID),
			slog.String("condition", bp.Condition),
			slog.String("error", err.Error()))
		return nil
	}
	if !hit {
		return nil
	}
	return bp
}

// StepSettled advances progress.
func (m *Machine) StepSettled(stepID string, res *schema.StepResult) {
	m.mu.Lock()
	defer m.unlock()
	m.progress.Settled++
	m.emit(stepEvent(stepID, res, m.progress))
}

// RunFinished moves the machine to its post-run state: idle after a cancel
// or abort, otherwise completed or failed by the report status.
func (m *Machine) RunFinished(report *schema.RunReport) {
	m.mu.Lock()
	defer m.unlock()

	m.grants = nil
	m.releaseGen++
	switch {
	case m.session.State == schema.ControlCancelling:
		_ = m.apply(actionSettled)
	case m.aborted:
	case report != nil && report.Status == schema.RunStatusFailure:
		if Allowed(m.session.State, actionFail) {
			_ = m.apply(actionFail)
		}
	default:
		if Allowed(m.session.State, actionComplete) {
			_ = m.apply(actionComplete)
		}
	}
	if report != nil {
		p := m.progress
		m.emit(Event{Type: schema.EventProgressChanged, Status: string(report.Status), Progress: &p})
	}
}

// Aborted is closed once an abort is confirmed for the current run.
func (m *Machine) Aborted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortCh
}

// RetryOverride returns the override submitted through the retry dialog.
func (m *Machine) RetryOverride() *engine.RetryOverride {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Override == nil {
		return nil
	}
	o := *m.session.Override
	return &o
}

// --- commands ---

// Play starts a run from idle through the launcher. Without a launcher the
// machine only changes state.
func (m *Machine) Play() error {
	m.mu.Lock()
	if !Allowed(m.session.State, ActionPlay) {
		err := invalidTransition(m.session.State, ActionPlay)
		m.unlock()
		return err
	}
	launch := m.launcher
	if launch == nil {
		err := m.apply(ActionPlay)
		m.unlock()
		return err
	}
	m.unlock()
	return launch()
}

// Toggle plays from idle, pauses a running session and resumes a
// suspended one.
func (m *Machine) Toggle() error {
	switch m.State() {
	case schema.ControlRunning:
		return m.Pause()
	case schema.ControlPaused, schema.ControlDebugging:
		return m.Resume()
	default:
		return m.Play()
	}
}

// Pause suspends the run before its next level.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.unlock()
	return m.apply(ActionPause)
}

// Resume continues to the next armed breakpoint or to completion.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.unlock()
	if err := m.apply(ActionResume); err != nil {
		return err
	}
	m.grants = nil
	m.releaseGen++
	return nil
}

// Step runs one unit of work while suspended and then suspends again. The
// unit is the next level; if steps are held at a breakpoint, it is the rest
// of the current level. step_over and step_out ignore breakpoints inside
// that unit.
func (m *Machine) Step(kind Action) error {
	if !isStepAction(kind) {
		return invalidTransition(m.State(), kind)
	}
	m.mu.Lock()
	defer m.unlock()
	if err := m.apply(kind); err != nil {
		return err
	}
	switch {
	case len(m.held) > 0:
		if kind == ActionStepOver || kind == ActionStepOut {
			m.levelIgnore = true
		}
		m.releaseGen++
	default:
		m.grants = append(m.grants, kind)
	}
	m.broadcast()
	return nil
}

// Request asks for confirmation of a destructive command. Nothing changes
// until Confirm.
func (m *Machine) Request(kind Action) error {
	m.mu.Lock()
	defer m.unlock()

	switch kind {
	case ActionCancel, ActionAbort, ActionReset:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s does not need confirmation", kind)
	}
	if !Allowed(m.session.State, kind) {
		return invalidTransition(m.session.State, kind)
	}
	if m.session.Pending != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s is already waiting for confirmation", m.session.Pending.Kind)
	}

	m.pendingSeq++
	seq := m.pendingSeq
	p := &PendingConfirmation{Kind: kind, RequestedAt: m.now(), seq: seq}
	m.session.Pending = p
	cp := *p
	m.emit(Event{Type: schema.EventConfirmationRequested, Pending: &cp})

	if m.confirmTimeout > 0 {
		m.timer = time.AfterFunc(m.confirmTimeout, func() { m.expire(seq) })
	}
	return nil
}

// Pending returns the confirmation waiting for an answer, if any.
func (m *Machine) Pending() (PendingConfirmation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Pending == nil {
		return PendingConfirmation{}, false
	}
	return *m.session.Pending, true
}

func (m *Machine) expire(seq uint64) {
	m.mu.Lock()
	defer m.unlock()
	if p := m.session.Pending; p != nil && p.seq == seq {
		m.clearPending("timeout")
	}
}

// clearPending drops the pending confirmation. Caller holds m.mu.
func (m *Machine) clearPending(reason string) {
	p := m.session.Pending
	m.session.Pending = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if p != nil {
		cp := *p
		m.emit(Event{Type: schema.EventConfirmationCleared, Pending: &cp, Status: reason})
	}
}

// Confirm performs the pending command. Legality is checked again, since
// the run may have finished while the question was open.
func (m *Machine) Confirm() error {
	m.mu.Lock()
	defer m.unlock()

	p := m.session.Pending
	if p == nil {
		return schema.NewError(schema.ErrCodeInvalidTransition, "nothing to confirm")
	}
	m.clearPending("confirmed")

	if err := m.apply(p.Kind); err != nil {
		return err
	}
	switch p.Kind {
	case ActionCancel:
		m.grants = nil
	case ActionAbort:
		m.grants = nil
		if m.abortCh != nil && !m.aborted {
			close(m.abortCh)
		}
		m.aborted = true
		m.logger.Warn("run aborted", slog.String("run_id", m.runID))
	case ActionReset:
		m.session.clear()
		m.levelIgnore = false
		m.emit(Event{Type: schema.EventBreakpointsChanged})
	}
	return nil
}

// Deny drops the pending confirmation. It reports whether one existed.
func (m *Machine) Deny() bool {
	m.mu.Lock()
	defer m.unlock()
	if m.session.Pending == nil {
		return false
	}
	m.clearPending("denied")
	return true
}

// --- breakpoints and debug ---

// ToggleBreakpoint adds a breakpoint on stepID or removes the existing one.
// It returns the breakpoint and whether it is now set.
func (m *Machine) ToggleBreakpoint(stepID string) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.unlock()
	bp, set := m.session.toggleBreakpoint(stepID)
	cp := *bp
	m.emit(Event{Type: schema.EventBreakpointsChanged, StepID: stepID, Breakpoint: &cp})
	return cp, set
}

// SetBreakpoint sets or updates the breakpoint on stepID.
func (m *Machine) SetBreakpoint(stepID, condition string) Breakpoint {
	m.mu.Lock()
	defer m.unlock()
	bp := m.session.setBreakpoint(stepID, condition)
	cp := *bp
	m.emit(Event{Type: schema.EventBreakpointsChanged, StepID: stepID, Breakpoint: &cp})
	return cp
}

// ToggleBreakpointEnabled flips the enabled flag of the breakpoint on
// stepID and returns the new value.
func (m *Machine) ToggleBreakpointEnabled(stepID string) (bool, error) {
	m.mu.Lock()
	defer m.unlock()
	bp, ok := m.session.Breakpoints[stepID]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "no breakpoint on step %q", stepID).WithStep(stepID)
	}
	bp.Enabled = !bp.Enabled
	cp := *bp
	m.emit(Event{Type: schema.EventBreakpointsChanged, StepID: stepID, Breakpoint: &cp})
	return bp.Enabled, nil
}

// Breakpoint returns the breakpoint on stepID.
func (m *Machine) Breakpoint(stepID string) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.session.Breakpoints[stepID]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// Breakpoints lists breakpoints in creation order.
func (m *Machine) Breakpoints() []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.breakpointList()
}

// SetDebug arms or disarms breakpoints.
func (m *Machine) SetDebug(armed bool) {
	m.mu.Lock()
	defer m.unlock()
	if m.session.DebugArmed == armed {
		return
	}
	m.session.DebugArmed = armed
	m.emit(Event{Type: schema.EventBreakpointsChanged, Status: debugStatus(armed)})
}

// ToggleDebug flips the debug-armed flag and returns the new value.
func (m *Machine) ToggleDebug() bool {
	m.mu.Lock()
	defer m.unlock()
	m.session.DebugArmed = !m.session.DebugArmed
	m.emit(Event{Type: schema.EventBreakpointsChanged, Status: debugStatus(m.session.DebugArmed)})
	return m.session.DebugArmed
}

func debugStatus(armed bool) string {
	if armed {
		return "armed"
	}
	return "disarmed"
}

// --- selection ---

// SetSteps replaces the selectable step list, e.g. when a workflow loads.
func (m *Machine) SetSteps(ids []string) {
	m.mu.Lock()
	defer m.unlock()
	m.session.setSteps(ids)
}

// MoveSelection shifts the cursor by delta and reports whether it moved.
func (m *Machine) MoveSelection(delta int) bool {
	m.mu.Lock()
	defer m.unlock()
	if !m.session.move(delta) {
		return false
	}
	m.emit(Event{Type: schema.EventSelectionChanged, StepID: m.session.SelectedStep()})
	return true
}

// Selected returns the step id under the cursor.
func (m *Machine) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.SelectedStep()
}

// --- retry dialog ---

// OpenRetryDialog opens the dialog for the selected step, seeded from the
// current override.
func (m *Machine) OpenRetryDialog() (RetryConfig, error) {
	m.mu.Lock()
	defer m.unlock()
	id := m.session.SelectedStep()
	if id == "" {
		return RetryConfig{}, schema.NewError(schema.ErrCodeNotFound, "no step selected")
	}
	cfg := RetryConfig{StepID: id, MaxRetries: 1}
	if o := m.session.Override; o != nil {
		cfg.MaxRetries, cfg.Delay, cfg.Backoff = o.MaxRetries, o.Delay, o.Backoff
	}
	m.session.Dialog = &cfg
	return cfg, nil
}

// Dialog returns the open retry dialog, if any.
func (m *Machine) Dialog() (RetryConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Dialog == nil {
		return RetryConfig{}, false
	}
	return *m.session.Dialog, true
}

// AdjustRetries changes the dialog's retry count by delta, never below 0.
func (m *Machine) AdjustRetries(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.session.Dialog; d != nil {
		d.MaxRetries = max(0, d.MaxRetries+delta)
	}
}

// CloseRetryDialog discards the dialog.
func (m *Machine) CloseRetryDialog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Dialog = nil
}

// SubmitRetry applies the dialog: its config becomes the retry override and
// the step's retry history is incremented.
func (m *Machine) SubmitRetry() (RetryConfig, error) {
	m.mu.Lock()
	defer m.unlock()
	d := m.session.Dialog
	if d == nil {
		return RetryConfig{}, schema.NewError(schema.ErrCodeInvalidTransition, "retry dialog is not open")
	}
	cfg := *d
	m.session.Dialog = nil
	m.session.Override = cfg.override()
	m.session.RetryHistory[cfg.StepID]++
	m.emit(Event{Type: schema.EventRetryRequested, StepID: cfg.StepID, Retry: &cfg})
	return cfg, nil
}
