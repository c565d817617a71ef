package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sethdford/vibex-sub011/internal/diagram"
	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func runPlan(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	format := fs.String("format", "ascii", "ascii, mermaid, png, svg or dot")
	out := fs.String("o", "", "write to this file instead of stdout")
	breaks := fs.String("break", "", "comma-separated step ids to mark as breakpoints")
	runID := fs.String("report", "", "overlay the stored report with this run id, or \"latest\"")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2}
	}
	if fs.NArg() != 1 {
		return usageError("plan takes exactly one workflow file")
	}

	o, err := orchestrator.New(orchestrator.Config{Logger: logger, PoolSize: cfg.PoolSize})
	if err != nil {
		return err
	}
	defer o.Close()
	wf, err := o.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	opts := diagram.Options{Breakpoints: splitList(*breaks)}
	if *runID != "" {
		if opts.Report, err = loadReport(ctx, cfg, wf.ID, *runID); err != nil {
			return err
		}
	}

	model, err := diagram.Build(wf, opts)
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "png", "svg", "dot":
		if data, err = diagram.RenderImage(ctx, model, diagram.Format(*format)); err != nil {
			return err
		}
	default:
		return usageError("unknown format %q", *format)
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	logger.Info("plan written", slog.String("path", *out), slog.String("format", *format))
	return nil
}

func loadReport(ctx context.Context, cfg Config, workflowID, runID string) (*schema.RunReport, error) {
	if err := ensureDir(cfg.DBPath); err != nil {
		return nil, err
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	if runID == "latest" {
		return s.LatestReport(ctx, workflowID)
	}
	return s.GetReport(ctx, runID)
}
