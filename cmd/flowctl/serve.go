package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sethdford/vibex-sub011/internal/panel"
	"github.com/sethdford/vibex-sub011/internal/scheduler"
	"github.com/sethdford/vibex-sub011/pkg/mcp"
)

func runServe(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	withSchedule := fs.Bool("schedule", false, "also run the schedule file")
	listen := fs.String("http", cfg.ListenAddr, "serve the HTTP panel on this address")
	stdio := fs.Bool("mcp", true, "serve MCP on stdio")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2}
	}
	if !*stdio && *listen == "" {
		return usageError("nothing to serve: -mcp=false needs -http")
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var sched *scheduler.Scheduler
	if *withSchedule {
		if sched, err = startScheduler(ctx, a, cfg.ScheduleFile, time.Minute); err != nil {
			return err
		}
		defer sched.Stop()
	}

	httpErr := make(chan error, 1)
	if *listen != "" {
		p := panel.NewPanelServer(panel.PanelDeps{
			Orchestrator: a.orch,
			Reports:      a.reports(),
			Events:       a.events,
			Hub:          a.hub,
			Scheduler:    sched,
			Logger:       logger,
		})
		srv := &http.Server{Addr: *listen, Handler: p.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("serving HTTP panel", slog.String("addr", *listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if !*stdio {
		select {
		case <-ctx.Done():
			return nil
		case err := <-httpErr:
			return err
		}
	}

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Orchestrator: a.orch,
		Reports:      a.reports(),
		Events:       a.events,
		Hub:          a.hub,
		Version:      version,
		Logger:       logger,
	})
	logger.Info("serving MCP on stdio", slog.String("db", cfg.DBPath))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSchedule(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	file := fs.String("file", cfg.ScheduleFile, "schedule file")
	tick := fs.Duration("tick", time.Minute, "how often due jobs are checked")
	list := fs.Bool("list", false, "print the jobs and their next run, then exit")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2}
	}

	if *list {
		entries, err := scheduler.LoadEntries(*file)
		if err != nil {
			return err
		}
		sched, err := scheduler.New(nil, entries, scheduler.WithLogger(logger))
		if err != nil {
			return err
		}
		printJobs(sched.Jobs())
		return nil
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := watchEvents(ctx, a.hub, logger); err != nil {
		return err
	}

	sched, err := startScheduler(ctx, a, *file, *tick)
	if err != nil {
		return err
	}
	printJobs(sched.Jobs())
	<-ctx.Done()
	return sched.Stop()
}

func startScheduler(ctx context.Context, a *app, file string, tick time.Duration) (*scheduler.Scheduler, error) {
	entries, err := scheduler.LoadEntries(file)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(a.orch, entries,
		scheduler.WithTickInterval(tick),
		scheduler.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}

func printJobs(jobs []scheduler.Job) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSPEC\tFILE\tNEXT RUN")
	for _, j := range jobs {
		next := "disabled"
		if !j.Disabled && j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, j.Spec, j.File, next)
	}
	tw.Flush()
}
