package actions

import (
	"context"
	"encoding/json"

	"github.com/sethdford/vibex-sub011/internal/engine"
)

// Action is an executable unit of work a step refers to by name.
type Action interface {
	Name() string
	Schema() ActionSchema
	Validate(params map[string]any) error
	Execute(ctx context.Context, input ActionInput) (any, error)
}

// ActionSchema describes the input contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data handed to an action at execution time. Run is
// the live run context; actions that write state do it through Run.
type ActionInput struct {
	RunID   string
	StepID  string
	Attempt int
	Params  map[string]any
	Run     *engine.RunContext
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a function to Action for small, schema-less actions.
type Func struct {
	ActionName  string
	Description string
	Run         func(ctx context.Context, input ActionInput) (any, error)
}

func (f *Func) Name() string                 { return f.ActionName }
func (f *Func) Schema() ActionSchema         { return ActionSchema{Description: f.Description} }
func (f *Func) Validate(map[string]any) error { return nil }
func (f *Func) Execute(ctx context.Context, in ActionInput) (any, error) {
	return f.Run(ctx, in)
}
