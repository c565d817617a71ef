package logging

import (
	"context"
	"log/slog"
)

// ids is the correlation carried through a run. Each With* call stores a
// copy, so a step context never leaks its step id into its parent.
type ids struct {
	run, workflow, step string
}

type idsKey struct{}

func fromContext(ctx context.Context) ids {
	v, _ := ctx.Value(idsKey{}).(ids)
	return v
}

func with(ctx context.Context, update func(*ids)) context.Context {
	v := fromContext(ctx)
	update(&v)
	return context.WithValue(ctx, idsKey{}, v)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return with(ctx, func(v *ids) { v.run = id })
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return with(ctx, func(v *ids) { v.workflow = id })
}

func WithStepID(ctx context.Context, id string) context.Context {
	return with(ctx, func(v *ids) { v.step = id })
}

// WithRun sets the run and workflow ids together.
func WithRun(ctx context.Context, runID, workflowID string) context.Context {
	return with(ctx, func(v *ids) { v.run, v.workflow = runID, workflowID })
}

func RunID(ctx context.Context) string      { return fromContext(ctx).run }
func WorkflowID(ctx context.Context) string { return fromContext(ctx).workflow }
func StepID(ctx context.Context) string     { return fromContext(ctx).step }

// attrs lists the non-empty ids.
func (v ids) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 3)
	for _, kv := range [...][2]string{{"run_id", v.run}, {"workflow_id", v.workflow}, {"step_id", v.step}} {
		if kv[1] != "" {
			out = append(out, slog.String(kv[0], kv[1]))
		}
	}
	return out
}

// LogWith binds the ids in ctx to logger, for code that logs without a
// context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := fromContext(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the ids found in a record's context, so
// logger.InfoContext(ctx, ...) is enough to tag a line with its run.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := fromContext(ctx).attrs(); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}
