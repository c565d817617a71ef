package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs over step outputs for after.capture hooks
// and the jq action.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache("jq", compileJQ)}
}

func compileJQ(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, badExpression("jq", "parse", src, err)
	}
	// no $ENV: definitions must not read the host environment
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, badExpression("jq", "compile", src, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Check parses and compiles expression without running it.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data as its input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		return e.Query(ctx, expression, map[string]any{})
	}
	return e.Query(ctx, expression, data)
}

// Query runs expression over any JSON-shaped input. A single output comes
// back as is, several as []any and none as nil.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	results, err := e.QueryAll(ctx, expression, input)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// QueryAll returns every output of expression.
func (e *GoJQEngine) QueryAll(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jsonNumbers(normalize(input)))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, failedExpression("jq", expression, err)
		}
		results = append(results, v)
	}
	return results, nil
}

var _ Engine = (*GoJQEngine)(nil)
