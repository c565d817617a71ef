package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethdford/vibex-sub011/internal/control"
	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/internal/streaming"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// app is the wiring shared by every subcommand.
type app struct {
	cfg    Config
	logger *slog.Logger
	hub    *streaming.MemoryHub
	store  *store.LibSQLStore // nil when persistence is off
	events *store.EventLog
	orch   *orchestrator.Orchestrator

	stopRecord context.CancelFunc
	recorded   <-chan struct{}
}

// newApp opens the report store when persist is set, starts recording hub
// events into it and builds the orchestrator.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, persist bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub()}

	ocfg := orchestrator.Config{
		PoolSize:       cfg.PoolSize,
		ConfirmTimeout: time.Duration(cfg.ConfirmTimeout),
		Hub:            a.hub,
		Logger:         logger,
	}

	if persist {
		if err := ensureDir(cfg.DBPath); err != nil {
			return nil, err
		}
		s, err := store.NewLibSQLStore(cfg.dsn())
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		a.store = s
		a.events = store.NewEventLog(s, logger)
		ocfg.Sink = s

		recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done, err := a.events.Record(recCtx, a.hub)
		if err != nil {
			cancel()
			s.Close()
			return nil, err
		}
		a.stopRecord, a.recorded = cancel, done
	}

	o, err := orchestrator.New(ocfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = o
	return a, nil
}

// reports returns the store as a ReportStore, or nil without persistence.
func (a *app) reports() store.ReportStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

// Close aborts any active run, drains the event recorder and closes the
// store, in that order.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.stopRecord != nil {
		a.stopRecord()
		<-a.recorded
	}
	a.hub.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

// watchEvents logs hub events until ctx ends. Control state changes and
// breakpoint hits are worth seeing at info level; the rest is debug.
func watchEvents(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for ev := range ch {
			level := slog.LevelDebug
			switch ev.Type {
			case schema.EventStateChanged, schema.EventBreakpointHit, schema.EventConfirmationRequested:
				level = slog.LevelInfo
			}
			attrs := []any{slog.String("type", ev.Type)}
			if ev.StepID != "" {
				attrs = append(attrs, slog.String("step_id", ev.StepID))
			}
			if ce, ok := ev.Payload.(control.Event); ok && ev.Type == schema.EventStateChanged {
				attrs = append(attrs, slog.String("state", string(ce.State)), slog.String("previous", string(ce.Previous)))
			}
			logger.Log(ctx, level, "control event", attrs...)
		}
	}()
	return nil
}

func ensureDir(dbPath string) error {
	if dbPath == ":memory:" || strings.Contains(dbPath, "://") {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(dbPath, "file:"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// exitError carries a process exit code out of a subcommand.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func usageError(format string, args ...any) error {
	return &exitError{code: 2, msg: fmt.Sprintf(format, args...)}
}

func printErr(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
}
