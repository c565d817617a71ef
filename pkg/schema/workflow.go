package schema

// WorkflowDefinition is the serializable workflow format, read from YAML or JSON files.
type WorkflowDefinition struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
	Setup         *HookDefinition  `json:"setup,omitempty" yaml:"setup,omitempty"`
	Teardown      *HookDefinition  `json:"teardown,omitempty" yaml:"teardown,omitempty"`
	Timeout       string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`               // whole-run deadline (e.g. "5m")
	ValidateState string           `json:"validate_state,omitempty" yaml:"validate_state,omitempty"` // expr over the final state
	State         map[string]any   `json:"state,omitempty" yaml:"state,omitempty"`                   // initial shared state
	Metadata      map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name,omitempty" yaml:"name,omitempty"`
	Action         string          `json:"action" yaml:"action"`
	Params         map[string]any  `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout        string          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry          *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
	ExpectedToFail bool            `json:"expected_to_fail,omitempty" yaml:"expected_to_fail,omitempty"`
	SkipIf         string          `json:"skip_if,omitempty" yaml:"skip_if,omitempty"`   // CEL, evaluated before the first attempt
	Validate       string          `json:"validate,omitempty" yaml:"validate,omitempty"` // expr, must yield true
	OutputSchema   map[string]any  `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ExpectedState  map[string]any  `json:"expected_state,omitempty" yaml:"expected_state,omitempty"`
	Before         *StepHookConfig `json:"before,omitempty" yaml:"before,omitempty"`
	After          *StepHookConfig `json:"after,omitempty" yaml:"after,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`                                 // retries after the first attempt
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`         // e.g. "500ms"
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap for growing backoff
}

// StepHookConfig is the declarative form of a step's pre/post hook.
// Set writes literal values into the shared state. Capture evaluates jq
// expressions against the step output and stores the results (post-hook only).
type StepHookConfig struct {
	Set     map[string]any    `json:"set,omitempty" yaml:"set,omitempty"`
	Capture map[string]string `json:"capture,omitempty" yaml:"capture,omitempty"`
}

// HookDefinition is a workflow-level setup or teardown hook.
type HookDefinition struct {
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Set    map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
}
