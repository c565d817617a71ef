package control

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from schema.ControlState
		a    Action
		to   schema.ControlState
		ok   bool
	}{
		{schema.ControlIdle, ActionPlay, schema.ControlRunning, true},
		{schema.ControlIdle, ActionPause, "", false},
		{schema.ControlRunning, ActionPause, schema.ControlPaused, true},
		{schema.ControlRunning, ActionCancel, schema.ControlCancelling, true},
		{schema.ControlRunning, ActionAbort, schema.ControlIdle, true},
		{schema.ControlRunning, actionBreakpointHit, schema.ControlDebugging, true},
		{schema.ControlRunning, ActionStep, "", false},
		{schema.ControlPaused, ActionResume, schema.ControlRunning, true},
		{schema.ControlPaused, ActionStep, schema.ControlPaused, true},
		{schema.ControlPaused, ActionStepOut, schema.ControlPaused, true},
		{schema.ControlPaused, ActionCancel, schema.ControlCancelling, true},
		{schema.ControlDebugging, ActionStepOver, schema.ControlDebugging, true},
		{schema.ControlDebugging, ActionStepOut, schema.ControlDebugging, true},
		{schema.ControlDebugging, ActionCancel, schema.ControlCancelling, true},
		{schema.ControlDebugging, ActionResume, schema.ControlRunning, true},
		{schema.ControlDebugging, ActionAbort, schema.ControlIdle, true},
		{schema.ControlCancelling, ActionResume, "", false},
		{schema.ControlCancelling, actionSettled, schema.ControlIdle, true},
		{schema.ControlCompleted, ActionReset, schema.ControlIdle, true},
		{schema.ControlFailed, ActionReset, schema.ControlIdle, true},
		{schema.ControlCompleted, ActionCancel, "", false},
		{schema.ControlFailed, actionBegin, schema.ControlRunning, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.a), func(t *testing.T) {
			to, ok := next(tt.from, tt.a)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.ok, Allowed(tt.from, tt.a))
		})
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := invalidTransition(schema.ControlIdle, ActionPause)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "pause is not allowed while idle")
}
