package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func runReports(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("reports", flag.ContinueOnError)
	workflowID := fs.String("workflow", "", "only reports of this workflow")
	status := fs.String("status", "", "only reports with this status")
	since := fs.Duration("since", 0, "only reports started within this window, e.g. 24h")
	limit := fs.Int("limit", 20, "maximum number of reports")
	runID := fs.String("id", "", "show one report in full")
	latest := fs.Bool("latest", false, "show the latest report in full")
	timeline := fs.Bool("timeline", false, "with -id or -latest, include the control timeline")
	remove := fs.String("delete", "", "delete the report with this run id")
	vacuum := fs.Bool("vacuum", false, "compact the database")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2}
	}

	if err := ensureDir(cfg.DBPath); err != nil {
		return err
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}

	switch {
	case *remove != "":
		if err := s.DeleteReport(ctx, *remove); err != nil {
			return err
		}
		logger.Info("report deleted", slog.String("run_id", *remove))
		return nil
	case *vacuum:
		return s.Vacuum(ctx)
	case *runID != "" || *latest:
		return showReport(ctx, s, store.NewEventLog(s, logger), *runID, *workflowID, *timeline, *asJSON)
	}

	f := store.ReportFilter{WorkflowID: *workflowID, Status: schema.RunStatus(*status), Limit: *limit}
	if *since > 0 {
		t := time.Now().Add(-*since)
		f.Since = &t
	}
	list, err := s.ListReports(ctx, f)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(os.Stdout, list)
	}
	printSummaries(os.Stdout, list)
	return nil
}

func showReport(ctx context.Context, s store.ReportStore, events *store.EventLog, runID, workflowID string, withTimeline, asJSON bool) error {
	var (
		report *schema.RunReport
		err    error
	)
	if runID != "" {
		report, err = s.GetReport(ctx, runID)
	} else {
		report, err = s.LatestReport(ctx, workflowID)
	}
	if err != nil {
		return err
	}

	var tl *store.Timeline
	if withTimeline {
		if tl, err = events.ReplayControl(ctx, report.RunID); err != nil {
			return err
		}
	}

	if asJSON {
		if tl == nil {
			return writeJSON(os.Stdout, report)
		}
		return writeJSON(os.Stdout, map[string]any{"report": report, "timeline": tl})
	}
	printReport(os.Stdout, report)
	if tl != nil {
		printTimeline(os.Stdout, tl)
	}
	return nil
}
