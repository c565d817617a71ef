package control

import (
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Action is an input to the control state machine. External commands come
// from the Router; the internal ones are raised by the run itself.
type Action string

const (
	ActionPlay     Action = "play"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionStep     Action = "step"
	ActionStepInto Action = "step_into"
	ActionStepOver Action = "step_over"
	ActionStepOut  Action = "step_out"
	ActionCancel   Action = "cancel"
	ActionAbort    Action = "abort"
	ActionReset    Action = "reset"

	// internal
	actionBegin         Action = "begin"
	actionBreakpointHit Action = "breakpoint_hit"
	actionSettled       Action = "settled"
	actionComplete      Action = "complete"
	actionFail          Action = "fail"
)

// transitions is the control state table. A pair missing from the table is
// a no-op. Step commands keep the suspended state: the unit of work they
// release is tracked separately by the machine.
var transitions = map[schema.ControlState]map[Action]schema.ControlState{
	schema.ControlIdle: {
		ActionPlay:  schema.ControlRunning,
		actionBegin: schema.ControlRunning,
	},
	schema.ControlRunning: {
		ActionPause:         schema.ControlPaused,
		ActionCancel:        schema.ControlCancelling,
		ActionAbort:         schema.ControlIdle,
		actionBreakpointHit: schema.ControlDebugging,
		actionComplete:      schema.ControlCompleted,
		actionFail:          schema.ControlFailed,
	},
	schema.ControlPaused: {
		ActionResume:        schema.ControlRunning,
		actionBreakpointHit: schema.ControlDebugging,
		ActionStep:          schema.ControlPaused,
		ActionStepInto:      schema.ControlPaused,
		ActionStepOver:      schema.ControlPaused,
		ActionStepOut:       schema.ControlPaused,
		ActionCancel:        schema.ControlCancelling,
		ActionAbort:         schema.ControlIdle,
		actionComplete:      schema.ControlCompleted,
		actionFail:          schema.ControlFailed,
	},
	schema.ControlDebugging: {
		ActionResume:   schema.ControlRunning,
		ActionStep:     schema.ControlDebugging,
		ActionStepInto: schema.ControlDebugging,
		ActionStepOver: schema.ControlDebugging,
		ActionStepOut:  schema.ControlDebugging,
		ActionCancel:   schema.ControlCancelling,
		ActionAbort:    schema.ControlIdle,
		actionComplete: schema.ControlCompleted,
		actionFail:     schema.ControlFailed,
	},
	schema.ControlCancelling: {
		actionSettled: schema.ControlIdle,
	},
	schema.ControlCompleted: {
		ActionReset: schema.ControlIdle,
		actionBegin: schema.ControlRunning,
	},
	schema.ControlFailed: {
		ActionReset: schema.ControlIdle,
		actionBegin: schema.ControlRunning,
	},
}

// next returns the state reached by applying a in from.
func next(from schema.ControlState, a Action) (schema.ControlState, bool) {
	to, ok := transitions[from][a]
	return to, ok
}

// Allowed reports whether a is meaningful in state s.
func Allowed(s schema.ControlState, a Action) bool {
	_, ok := next(s, a)
	return ok
}

func invalidTransition(from schema.ControlState, a Action) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s is not allowed while %s", a, from).
		WithDetails(map[string]any{"state": string(from), "action": string(a)})
}

// suspended reports whether a state blocks the next level.
func suspended(s schema.ControlState) bool {
	return s == schema.ControlPaused || s == schema.ControlDebugging
}

func isStepAction(a Action) bool {
	switch a {
	case ActionStep, ActionStepInto, ActionStepOver, ActionStepOut:
		return true
	}
	return false
}
