package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func TestMachine_PlayWithoutLauncher(t *testing.T) {
	m := New()
	rec := &recorder{}
	m.Subscribe(rec.observe)

	require.NoError(t, m.Play())
	assert.Equal(t, schema.ControlRunning, m.State())
	assert.Equal(t, []schema.ControlState{schema.ControlRunning}, rec.states())

	err := m.Play()
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestMachine_PlayCallsLauncher(t *testing.T) {
	called := 0
	m := New(WithLauncher(func() error { called++; return nil }))
	require.NoError(t, m.Play())
	assert.Equal(t, 1, called)
	// the launched run moves the machine through RunStarted
	assert.Equal(t, schema.ControlIdle, m.State())

	m.SetLauncher(func() error { return errors.New("busy") })
	assert.EqualError(t, m.Play(), "busy")
}

func TestMachine_Toggle(t *testing.T) {
	m := New()
	require.NoError(t, m.Toggle())
	assert.Equal(t, schema.ControlRunning, m.State())
	require.NoError(t, m.Toggle())
	assert.Equal(t, schema.ControlPaused, m.State())
	require.NoError(t, m.Toggle())
	assert.Equal(t, schema.ControlRunning, m.State())
}

func TestMachine_ConfirmationFlow(t *testing.T) {
	m := New()
	rec := &recorder{}
	m.Subscribe(rec.observe)
	require.NoError(t, m.Play())

	require.NoError(t, m.Request(ActionCancel))
	assert.Equal(t, schema.ControlRunning, m.State(), "request alone must not change state")
	p, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, ActionCancel, p.Kind)
	assert.False(t, p.RequestedAt.IsZero())

	err := m.Request(ActionAbort)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	assert.True(t, m.Deny())
	_, ok = m.Pending()
	assert.False(t, ok)
	assert.False(t, m.Deny())
	assert.Equal(t, schema.ControlRunning, m.State())

	require.NoError(t, m.Request(ActionCancel))
	require.NoError(t, m.Confirm())
	assert.Equal(t, schema.ControlCancelling, m.State())

	m.RunFinished(&schema.RunReport{Status: schema.RunStatusPartial, Cancelled: true})
	assert.Equal(t, schema.ControlIdle, m.State())

	assert.Len(t, rec.ofType(schema.EventConfirmationRequested), 2)
	cleared := rec.ofType(schema.EventConfirmationCleared)
	require.Len(t, cleared, 2)
	assert.Equal(t, "denied", cleared[0].Status)
	assert.Equal(t, "confirmed", cleared[1].Status)
}

func TestMachine_RequestRejectsIllegal(t *testing.T) {
	m := New()
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(m.Request(ActionCancel)))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(m.Request(ActionReset)))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(m.Request(ActionPause)))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(m.Confirm()))
}

func TestMachine_ConfirmTimeoutDenies(t *testing.T) {
	m := New(WithConfirmTimeout(20 * time.Millisecond))
	rec := &recorder{}
	m.Subscribe(rec.observe)
	require.NoError(t, m.Play())
	require.NoError(t, m.Request(ActionAbort))

	assert.Eventually(t, func() bool {
		_, ok := m.Pending()
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.ControlRunning, m.State())
	cleared := rec.ofType(schema.EventConfirmationCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, "timeout", cleared[0].Status)
}

func TestMachine_ConfirmRechecksLegality(t *testing.T) {
	m := New()
	require.NoError(t, m.Play())
	require.NoError(t, m.Request(ActionAbort))

	m.RunFinished(&schema.RunReport{Status: schema.RunStatusSuccess})
	assert.Equal(t, schema.ControlCompleted, m.State())

	err := m.Confirm()
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	_, ok := m.Pending()
	assert.False(t, ok)
	assert.Equal(t, schema.ControlCompleted, m.State())
}

func TestMachine_ResetClearsSession(t *testing.T) {
	m := New()
	m.SetSteps([]string{"a", "b"})
	m.ToggleBreakpoint("a")
	_, err := m.OpenRetryDialog()
	require.NoError(t, err)
	_, err = m.SubmitRetry()
	require.NoError(t, err)
	require.NotNil(t, m.RetryOverride())

	require.NoError(t, m.Play())
	m.RunFinished(&schema.RunReport{Status: schema.RunStatusFailure})
	assert.Equal(t, schema.ControlFailed, m.State())

	require.NoError(t, m.Request(ActionReset))
	require.NoError(t, m.Confirm())

	snap := m.Snapshot()
	assert.Equal(t, schema.ControlIdle, snap.State)
	assert.Empty(t, snap.Breakpoints)
	assert.Empty(t, snap.RetryHistory)
	assert.Nil(t, snap.Override)
	assert.Nil(t, m.RetryOverride())
	assert.Equal(t, []string{"a", "b"}, snap.Steps)
}

func TestMachine_SubscribeOrderAndUnsubscribe(t *testing.T) {
	m := New()
	var order []string
	unsubA := m.Subscribe(func(Event) { order = append(order, "a") })
	m.Subscribe(func(Event) { order = append(order, "b") })

	require.NoError(t, m.Play())
	assert.Equal(t, []string{"a", "b"}, order)

	unsubA()
	unsubA()
	order = nil
	require.NoError(t, m.Pause())
	assert.Equal(t, []string{"b"}, order)
}

func TestMachine_ObserverMayCallBack(t *testing.T) {
	m := New()
	var seen schema.ControlState
	m.Subscribe(func(ev Event) { seen = m.State() })
	require.NoError(t, m.Play())
	assert.Equal(t, schema.ControlRunning, seen)
}

func TestMachine_Breakpoints(t *testing.T) {
	m := New()
	rec := &recorder{}
	m.Subscribe(rec.observe)

	bp, set := m.ToggleBreakpoint("build")
	assert.True(t, set)
	assert.True(t, bp.Enabled)
	assert.NotEmpty(t, bp.ID)

	enabled, err := m.ToggleBreakpointEnabled("build")
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = m.ToggleBreakpointEnabled("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	m.SetBreakpoint("test", "state.x > 1")
	list := m.Breakpoints()
	require.Len(t, list, 2)
	assert.Equal(t, "build", list[0].StepID)
	assert.Equal(t, "state.x > 1", list[1].Condition)

	_, set = m.ToggleBreakpoint("build")
	assert.False(t, set)
	_, ok := m.Breakpoint("build")
	assert.False(t, ok)

	assert.Len(t, rec.ofType(schema.EventBreakpointsChanged), 4)
}

func TestMachine_Selection(t *testing.T) {
	m := New()
	assert.False(t, m.MoveSelection(1))
	m.SetSteps([]string{"a", "b", "c"})
	assert.Equal(t, "a", m.Selected())
	assert.True(t, m.MoveSelection(1))
	assert.True(t, m.MoveSelection(5))
	assert.Equal(t, "c", m.Selected())
	assert.False(t, m.MoveSelection(1))
	assert.True(t, m.MoveSelection(-10))
	assert.Equal(t, "a", m.Selected())
}

func TestMachine_RetryDialog(t *testing.T) {
	m := New()
	_, err := m.OpenRetryDialog()
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	m.SetSteps([]string{"a"})
	cfg, err := m.OpenRetryDialog()
	require.NoError(t, err)
	assert.Equal(t, RetryConfig{StepID: "a", MaxRetries: 1}, cfg)

	m.AdjustRetries(2)
	m.AdjustRetries(-5)
	cfg, ok := m.Dialog()
	require.True(t, ok)
	assert.Equal(t, 0, cfg.MaxRetries)
	m.AdjustRetries(3)

	got, err := m.SubmitRetry()
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, &engine.RetryOverride{MaxRetries: 3}, m.RetryOverride())
	assert.Equal(t, 1, m.Snapshot().RetryHistory["a"])

	_, err = m.SubmitRetry()
	assert.Error(t, err)
}

// --- against a real controller ---

func TestMachine_BreakpointHitOncePerEntry(t *testing.T) {
	runner := newGatedRunner()
	runner.failFirst("b", 2)
	wf := chain("a", "b", "c")
	wf.Steps[1].MaxRetries = 3

	m := New()
	m.SetDebug(true)
	m.ToggleBreakpoint("b")
	rec := &recorder{}
	m.Subscribe(func(ev Event) {
		rec.observe(ev)
		if ev.Type == schema.EventBreakpointHit {
			go func() { _ = m.Resume() }()
		}
	})

	report := newController(runner, m).Run(context.Background(), wf)
	require.Equal(t, schema.RunStatusSuccess, report.Status)
	assert.Equal(t, 2, report.Result("b").Retries)

	bp, ok := m.Breakpoint("b")
	require.True(t, ok)
	assert.Equal(t, 1, bp.HitCount)
	assert.Len(t, rec.ofType(schema.EventBreakpointHit), 1)
	assert.Contains(t, rec.states(), schema.ControlDebugging)
	assert.Equal(t, schema.ControlCompleted, m.State())

	// a second run counts a second entry
	report = newController(runner, m).Run(context.Background(), wf)
	require.Equal(t, schema.RunStatusSuccess, report.Status)
	bp, _ = m.Breakpoint("b")
	assert.Equal(t, 2, bp.HitCount)
}

func TestMachine_BreakpointsNeedArmingAndEnabled(t *testing.T) {
	runner := newGatedRunner()
	m := New()
	m.ToggleBreakpoint("a")
	m.ToggleBreakpoint("b")
	_, err := m.ToggleBreakpointEnabled("b")
	require.NoError(t, err)

	report := newController(runner, m).Run(context.Background(), chain("a", "b"))
	require.Equal(t, schema.RunStatusSuccess, report.Status)
	bp, _ := m.Breakpoint("a")
	assert.Equal(t, 0, bp.HitCount, "debug not armed")

	m.SetDebug(true)
	m.Subscribe(func(ev Event) {
		if ev.Type == schema.EventBreakpointHit {
			go func() { _ = m.Resume() }()
		}
	})
	report = newController(runner, m).Run(context.Background(), chain("a", "b"))
	require.Equal(t, schema.RunStatusSuccess, report.Status)
	bp, _ = m.Breakpoint("a")
	assert.Equal(t, 1, bp.HitCount)
	bp, _ = m.Breakpoint("b")
	assert.Equal(t, 0, bp.HitCount, "disabled breakpoints never count")
}

func TestMachine_ConditionalBreakpoint(t *testing.T) {
	cond := func(expr string, rc *engine.RunContext) (bool, error) {
		v, _ := rc.Get("stop")
		return v == true, nil
	}
	m := New(WithConditions(cond))
	m.SetDebug(true)
	m.SetBreakpoint("a", "stop")

	wf := chain("a")
	wf.State = map[string]any{"stop": false}
	report := newController(newGatedRunner(), m).Run(context.Background(), wf)
	require.Equal(t, schema.RunStatusSuccess, report.Status)
	bp, _ := m.Breakpoint("a")
	assert.Equal(t, 0, bp.HitCount)

	m.Subscribe(func(ev Event) {
		if ev.Type == schema.EventBreakpointHit {
			go func() { _ = m.Resume() }()
		}
	})
	wf.State = map[string]any{"stop": true}
	report = newController(newGatedRunner(), m).Run(context.Background(), wf)
	require.Equal(t, schema.RunStatusSuccess, report.Status)
	bp, _ = m.Breakpoint("a")
	assert.Equal(t, 1, bp.HitCount)
}

func TestMachine_PauseTransparency(t *testing.T) {
	runner := newGatedRunner()
	releaseA := runner.block("a")
	m := New()
	done := runAsync(newController(runner, m), chain("a", "b", "c"))

	require.True(t, waitState(m, schema.ControlRunning))
	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause())
	close(releaseA)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.count("b"), "no level starts while paused")
	assert.Equal(t, schema.ControlPaused, m.State())

	require.NoError(t, m.Resume())
	var report *schema.RunReport
	select {
	case report = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
	assert.Equal(t, []schema.StepStatus{schema.StepStatusSuccess, schema.StepStatusSuccess, schema.StepStatusSuccess},
		[]schema.StepStatus{report.Steps[0].Status, report.Steps[1].Status, report.Steps[2].Status})
	assert.Equal(t, schema.ControlCompleted, m.State())
}

func TestMachine_StepRunsOneLevel(t *testing.T) {
	runner := newGatedRunner()
	releaseA := runner.block("a")
	m := New()
	done := runAsync(newController(runner, m), chain("a", "b", "c"))

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause())
	close(releaseA)
	require.Eventually(t, func() bool { return m.Snapshot().Progress.Settled == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Step(ActionStep))
	require.Eventually(t, func() bool { return m.Snapshot().Progress.Settled == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, runner.count("c"))
	assert.Equal(t, schema.ControlPaused, m.State())

	require.NoError(t, m.Step(ActionStepOut))
	assert.Equal(t, schema.ControlPaused, m.State())
	report := <-done
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
	assert.Equal(t, 1, runner.count("c"))
}

func TestMachine_StepOverIgnoresBreakpoints(t *testing.T) {
	runner := newGatedRunner()
	releaseA := runner.block("a")
	m := New()
	m.SetDebug(true)
	m.ToggleBreakpoint("b")
	done := runAsync(newController(runner, m), chain("a", "b", "c"))

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause())
	close(releaseA)

	require.NoError(t, m.Step(ActionStepOver))
	require.Eventually(t, func() bool { return runner.count("b") == 1 }, time.Second, time.Millisecond)
	bp, _ := m.Breakpoint("b")
	assert.Equal(t, 0, bp.HitCount)

	require.NoError(t, m.Resume())
	report := <-done
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
}

func TestMachine_StepFromBreakpointSuspendsBeforeNextLevel(t *testing.T) {
	runner := newGatedRunner()
	m := New()
	m.SetDebug(true)
	m.ToggleBreakpoint("b")
	done := runAsync(newController(runner, m), chain("a", "b", "c"))

	require.True(t, waitState(m, schema.ControlDebugging))
	assert.Equal(t, []string{"b"}, m.Snapshot().Held)
	assert.Equal(t, 0, runner.count("b"))

	require.NoError(t, m.Step(ActionStep))
	require.Eventually(t, func() bool { return runner.count("b") == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, runner.count("c"))
	assert.Equal(t, schema.ControlDebugging, m.State())

	require.NoError(t, m.Resume())
	report := <-done
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
}

func TestMachine_StepOutStaysPaused(t *testing.T) {
	runner := newGatedRunner()
	releaseA := runner.block("a")
	m := New()
	done := runAsync(newController(runner, m), chain("a", "b", "c", "d"))

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause())
	close(releaseA)
	require.Eventually(t, func() bool { return m.Snapshot().Progress.Settled == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Step(ActionStepOut))
	assert.Equal(t, schema.ControlPaused, m.State())
	require.Eventually(t, func() bool { return runner.count("b") == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, runner.count("c"))
	assert.Equal(t, schema.ControlPaused, m.State())

	require.NoError(t, m.Resume())
	report := <-done
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
	assert.Equal(t, 1, runner.count("d"))
}

func TestMachine_StepOutFromBreakpointStaysDebugging(t *testing.T) {
	runner := newGatedRunner()
	m := New()
	m.SetDebug(true)
	m.ToggleBreakpoint("b")
	m.ToggleBreakpoint("c")
	done := runAsync(newController(runner, m), chain("a", "b", "c"))

	require.True(t, waitState(m, schema.ControlDebugging))
	assert.Equal(t, []string{"b"}, m.Snapshot().Held)

	require.NoError(t, m.Step(ActionStepOut))
	require.Eventually(t, func() bool { return runner.count("b") == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, runner.count("c"))
	assert.Equal(t, schema.ControlDebugging, m.State())

	require.NoError(t, m.Step(ActionStepOut))
	report := <-done
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
	assert.Equal(t, 1, runner.count("c"))
	bp, _ := m.Breakpoint("c")
	assert.Equal(t, 0, bp.HitCount)
}

func TestMachine_CancelThroughController(t *testing.T) {
	runner := newGatedRunner()
	releaseA := runner.block("a")
	m := New()
	done := runAsync(newController(runner, m), chain("a", "b"))

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Request(ActionCancel))
	require.NoError(t, m.Confirm())
	close(releaseA)

	report := <-done
	assert.True(t, report.Cancelled)
	assert.Equal(t, schema.RunStatusPartial, report.Status)
	assert.Equal(t, schema.StepStatusSuccess, report.Result("a").Status)
	assert.Equal(t, schema.StepStatusSkipped, report.Result("b").Status)
	assert.Equal(t, 0, runner.count("b"))
	assert.Equal(t, schema.ControlIdle, m.State())
}

func TestMachine_CancelWhileHeldAtBreakpoint(t *testing.T) {
	runner := newGatedRunner()
	m := New()
	m.SetDebug(true)
	m.ToggleBreakpoint("b")
	done := runAsync(newController(runner, m), chain("a", "b", "c"))

	require.True(t, waitState(m, schema.ControlDebugging))
	assert.Equal(t, []string{"b"}, m.Snapshot().Held)

	require.NoError(t, m.Request(ActionCancel))
	require.NoError(t, m.Confirm())

	report := <-done
	assert.True(t, report.Cancelled)
	assert.Equal(t, schema.StepStatusSuccess, report.Result("a").Status)
	assert.Equal(t, schema.StepStatusSkipped, report.Result("b").Status)
	assert.Equal(t, 0, runner.count("b"))
	assert.Equal(t, 0, runner.count("c"))
	assert.Equal(t, schema.ControlIdle, m.State())
}

func TestMachine_AbortThroughController(t *testing.T) {
	runner := newGatedRunner()
	runner.block("a") // never released
	m := New()
	done := runAsync(newController(runner, m), chain("a", "b"))

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Request(ActionAbort))
	start := time.Now()
	require.NoError(t, m.Confirm())

	var report *schema.RunReport
	select {
	case report = <-done:
	case <-time.After(time.Second):
		t.Fatal("abort did not return promptly")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, report.Aborted)
	assert.Equal(t, schema.RunStatusFailure, report.Status)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, schema.StepStatusFailure, report.Result("a").Status)
	assert.Equal(t, schema.StepStatusSkipped, report.Result("b").Status)
	assert.Equal(t, schema.ControlIdle, m.State())
}

func TestMachine_AbortWhilePaused(t *testing.T) {
	runner := newGatedRunner()
	releaseA := runner.block("a")
	m := New()
	done := runAsync(newController(runner, m), chain("a", "b"))

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause())
	close(releaseA)
	require.Eventually(t, func() bool { return m.Snapshot().Progress.Settled == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Request(ActionAbort))
	require.NoError(t, m.Confirm())
	report := <-done
	assert.True(t, report.Aborted)
	assert.Equal(t, schema.StepStatusSkipped, report.Result("b").Status)
}

func TestMachine_ProgressEvents(t *testing.T) {
	m := New()
	rec := &recorder{}
	m.Subscribe(rec.observe)
	report := newController(newGatedRunner(), m).Run(context.Background(), chain("a", "b"))
	require.Equal(t, schema.RunStatusSuccess, report.Status)

	var settled []string
	for _, ev := range rec.ofType(schema.EventProgressChanged) {
		if ev.StepID != "" {
			settled = append(settled, ev.StepID)
			assert.Equal(t, "success", ev.Status)
			assert.Equal(t, report.RunID, ev.RunID)
		}
	}
	assert.Equal(t, []string{"a", "b"}, settled)
	snap := m.Snapshot()
	assert.Equal(t, Progress{Settled: 2, Total: 2, Level: 1, Levels: 2}, snap.Progress)
}

func TestMachine_BeforeLevelHonoursContext(t *testing.T) {
	m := New()
	require.NoError(t, m.Play())
	require.NoError(t, m.Pause())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, engine.Abort, m.BeforeLevel(ctx, 0, []string{"a"}))
}
