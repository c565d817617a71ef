package control

import "strings"

// Command is a router command. Every command can also be sent by name.
type Command string

const (
	CmdToggle            Command = "toggle"
	CmdPlay              Command = "play"
	CmdPause             Command = "pause"
	CmdResume            Command = "resume"
	CmdStep              Command = "step"
	CmdStepInto          Command = "step_into"
	CmdStepOver          Command = "step_over"
	CmdStepOut           Command = "step_out"
	CmdCancel            Command = "cancel"
	CmdAbort             Command = "abort"
	CmdReset             Command = "reset"
	CmdBreakpoint        Command = "breakpoint"
	CmdBreakpointEnabled Command = "breakpoint_enable"
	CmdDebug             Command = "debug"
	CmdRetry             Command = "retry"
	CmdPrev              Command = "prev"
	CmdNext              Command = "next"

	// confirmation and dialog
	CmdConfirm Command = "confirm"
	CmdDeny    Command = "deny"
	CmdSubmit  Command = "submit"
	CmdEscape  Command = "escape"
	CmdMore    Command = "more"
	CmdLess    Command = "less"
)

// DefaultKeymap binds keys to commands.
var DefaultKeymap = map[string]Command{
	" ":     CmdToggle,
	"space": CmdToggle,
	"s":     CmdStep,
	"i":     CmdStepInto,
	"o":     CmdStepOver,
	"u":     CmdStepOut,
	"r":     CmdRetry,
	"b":     CmdBreakpoint,
	"e":     CmdBreakpointEnabled,
	"d":     CmdDebug,
	"x":     CmdCancel,
	"q":     CmdAbort,
	"R":     CmdReset,
	"up":    CmdPrev,
	"k":     CmdPrev,
	"down":  CmdNext,
	"j":     CmdNext,
}

// confirmKeys answer yes to a pending confirmation. Anything else is no.
var confirmKeys = map[string]Command{
	"y":     CmdConfirm,
	"Y":     CmdConfirm,
	"enter": CmdConfirm,
}

var dialogKeys = map[string]Command{
	"enter": CmdSubmit,
	"esc":   CmdEscape,
	"+":     CmdMore,
	"right": CmdMore,
	"-":     CmdLess,
	"left":  CmdLess,
}

var commands = map[Command]bool{
	CmdToggle: true, CmdPlay: true, CmdPause: true, CmdResume: true,
	CmdStep: true, CmdStepInto: true, CmdStepOver: true, CmdStepOut: true,
	CmdCancel: true, CmdAbort: true, CmdReset: true,
	CmdBreakpoint: true, CmdBreakpointEnabled: true, CmdDebug: true,
	CmdRetry: true, CmdPrev: true, CmdNext: true,
	CmdConfirm: true, CmdDeny: true, CmdSubmit: true, CmdEscape: true,
	CmdMore: true, CmdLess: true,
}

// resolve maps a raw key through table, falling back to command names.
// Single-character keys are case sensitive ("R" is reset); longer ones are
// not.
func resolve(key string, table map[string]Command) (Command, bool) {
	if c, ok := table[key]; ok {
		return c, true
	}
	if len(key) > 1 {
		k := strings.ToLower(strings.TrimSpace(key))
		if c, ok := table[k]; ok {
			return c, true
		}
		if commands[Command(k)] {
			return Command(k), true
		}
	}
	return "", false
}
