package control

import (
	"log/slog"
	"sync"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// InputEvent is a single user input: a key ("s", "space", "enter") or a
// command name ("step_over").
type InputEvent struct {
	Key string `json:"key"`
}

// Key is shorthand for InputEvent{Key: k}.
func Key(k string) InputEvent { return InputEvent{Key: k} }

// Retrier re-executes a step once the retry dialog is submitted.
type Retrier func(cfg RetryConfig) error

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRetrier sets the callback for submitted retry dialogs.
func WithRetrier(fn Retrier) RouterOption {
	return func(r *Router) { r.retrier = fn }
}

// WithKeymap replaces DefaultKeymap.
func WithKeymap(km map[string]Command) RouterOption {
	return func(r *Router) { r.keymap = km }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// Router turns input events into Machine commands, one event at a time.
type Router struct {
	mu      sync.Mutex
	m       *Machine
	retrier Retrier
	keymap  map[string]Command
	logger  *slog.Logger
}

// NewRouter creates a Router driving m.
func NewRouter(m *Machine, opts ...RouterOption) *Router {
	r := &Router{m: m, keymap: DefaultKeymap, logger: logging.Discard()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetRetrier replaces the retry callback.
func (r *Router) SetRetrier(fn Retrier) {
	r.mu.Lock()
	r.retrier = fn
	r.mu.Unlock()
}

// Handle routes ev and reports whether it was consumed. Errors from the
// resulting command (an illegal transition, say) are logged and dropped.
func (r *Router) Handle(ev InputEvent) bool {
	ok, err := r.Dispatch(ev)
	if err != nil {
		r.logger.Debug("input ignored", slog.String("key", ev.Key), slog.String("error", err.Error()))
	}
	return ok
}

// Dispatch is Handle with the command error returned. A pending
// confirmation takes every event, then an open retry dialog takes its own
// keys, then the keymap applies.
func (r *Router) Dispatch(ev InputEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, pending := r.m.Pending(); pending {
		if c, ok := resolve(ev.Key, confirmKeys); ok && c == CmdConfirm {
			return true, r.m.Confirm()
		}
		r.m.Deny()
		return true, nil
	}

	if _, open := r.m.Dialog(); open {
		c, _ := resolve(ev.Key, dialogKeys)
		switch c {
		case CmdSubmit:
			cfg, err := r.m.SubmitRetry()
			if err != nil {
				return true, err
			}
			if r.retrier != nil {
				return true, r.retrier(cfg)
			}
			return true, nil
		case CmdEscape:
			r.m.CloseRetryDialog()
			return true, nil
		case CmdMore:
			r.m.AdjustRetries(1)
			return true, nil
		case CmdLess:
			r.m.AdjustRetries(-1)
			return true, nil
		}
		return false, nil
	}

	c, ok := resolve(ev.Key, r.keymap)
	if !ok {
		return false, nil
	}
	return r.run(c)
}

func (r *Router) run(c Command) (bool, error) {
	m := r.m
	switch c {
	case CmdToggle:
		return true, m.Toggle()
	case CmdPlay:
		return true, m.Play()
	case CmdPause:
		return true, m.Pause()
	case CmdResume:
		return true, m.Resume()
	case CmdStep, CmdStepInto, CmdStepOver, CmdStepOut:
		return true, m.Step(Action(c))
	case CmdCancel, CmdAbort, CmdReset:
		return true, m.Request(Action(c))
	case CmdBreakpoint:
		id := m.Selected()
		if id == "" {
			return true, schema.NewError(schema.ErrCodeNotFound, "no step selected")
		}
		m.ToggleBreakpoint(id)
		return true, nil
	case CmdBreakpointEnabled:
		id := m.Selected()
		if id == "" {
			return true, schema.NewError(schema.ErrCodeNotFound, "no step selected")
		}
		_, err := m.ToggleBreakpointEnabled(id)
		return true, err
	case CmdDebug:
		m.ToggleDebug()
		return true, nil
	case CmdRetry:
		_, err := m.OpenRetryDialog()
		return true, err
	case CmdPrev:
		m.MoveSelection(-1)
		return true, nil
	case CmdNext:
		m.MoveSelection(1)
		return true, nil
	}
	// confirm, deny and dialog commands mean nothing outside their mode
	return false, nil
}
