package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/internal/expressions"
	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// ParamCheck validates params against an action's input schema.
type ParamCheck func(action string, inputSchema json.RawMessage, params map[string]any) error

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithParamCheck validates params against each action's input schema
// before it runs.
func WithParamCheck(fn ParamCheck) RegistryOption {
	return func(r *Registry) { r.check = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// Registry is the thread-safe set of available actions. It is also the
// engine's ActionRunner: Invoke resolves the action by name, interpolates
// ${{ }} references in params and runs it.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	check   ParamCheck
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{actions: make(map[string]Action), logger: logging.Discard()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds an action. Duplicate names are rejected.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{Name: a.Name(), Description: a.Schema().Description})
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Invoke implements engine.ActionRunner.
func (r *Registry) Invoke(ctx context.Context, req engine.ActionRequest, rc *engine.RunContext) (any, error) {
	action, err := r.Get(req.Action)
	if err != nil {
		return nil, err
	}

	params := req.Params
	if expressions.HasReferences(params) {
		params, err = expressions.Interpolate(params, expressions.RunScope(rc, nil))
		if err != nil {
			return nil, err
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	if err := action.Validate(params); err != nil {
		return nil, err
	}
	if r.check != nil {
		if s := action.Schema().InputSchema; len(s) > 0 {
			if err := r.check(req.Action, s, params); err != nil {
				return nil, err
			}
		}
	}

	logging.LogWith(ctx, r.logger).DebugContext(ctx, "action invoked",
		slog.String("action", req.Action), slog.Int("attempt", req.Attempt))
	return action.Execute(ctx, ActionInput{
		RunID:   req.RunID,
		StepID:  req.StepID,
		Attempt: req.Attempt,
		Params:  params,
		Run:     rc,
	})
}

var _ engine.ActionRunner = (*Registry)(nil)
