package expressions

import (
	"sync"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// programCache memoizes compiled programs by source text. Compilation runs
// outside the lock; when two goroutines race on the same source the first
// stored program wins.
type programCache[P any] struct {
	lang    string
	compile func(src string) (P, error)

	mu    sync.Mutex
	progs map[string]P
}

func newProgramCache[P any](lang string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{lang: lang, compile: compile, progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	var zero P
	if src == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}
	c.mu.Lock()
	p, ok := c.progs[src]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(src)
	if err != nil {
		return zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.progs[src]; ok {
		return prev, nil
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.progs)
}

// badExpression reports a source that does not compile.
func badExpression(lang, stage, src string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s error in %q: %s", lang, stage, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

// failedExpression reports a compiled program that failed at run time.
func failedExpression(lang, src string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", lang, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}
