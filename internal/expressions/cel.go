package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates skip_if and breakpoint conditions.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares state, steps and run as string-keyed maps and
// output as a dynamic value.
func NewCELEngine() (*CELEngine, error) {
	scopeMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(NSState, scopeMap),
		cel.Variable(NSSteps, scopeMap),
		cel.Variable(NSRun, scopeMap),
		cel.Variable(NSOutput, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache("CEL", e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, badExpression("CEL", "compile", src, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, badExpression("CEL", "program", src, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Check compiles expression without running it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression against data. Absent namespaces bind to empty
// maps, so "state.x" on a fresh run fails on the key, not the variable.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, failedExpression("CEL", expression, err)
	}
	return out.Value(), nil
}

func activation(data map[string]any) map[string]any {
	act := map[string]any{NSOutput: data[NSOutput]}
	for _, ns := range []string{NSState, NSSteps, NSRun} {
		v, ok := data[ns]
		if !ok || v == nil {
			v = map[string]any{}
		}
		act[ns] = v
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
