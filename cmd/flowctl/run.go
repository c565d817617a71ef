package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sethdford/vibex-sub011/internal/compiler"
	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func runRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "arm breakpoints before starting")
	breaks := fs.String("break", "", "comma-separated step ids to break before")
	interactive := fs.Bool("interactive", false, "read control keys from stdin, one per line")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	noStore := fs.Bool("no-store", false, "do not persist the report")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2}
	}
	if fs.NArg() != 1 {
		return usageError("run takes exactly one workflow file")
	}
	bps := splitList(*breaks)
	if (len(bps) > 0 || *debug) && !*interactive {
		return usageError("-debug and -break need -interactive to resume from a breakpoint")
	}

	a, err := newApp(ctx, cfg, logger, !*noStore)
	if err != nil {
		return err
	}
	defer a.Close()

	wf, err := a.orch.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	m := a.orch.Machine()
	for _, id := range bps {
		if wf.Step(id) == nil {
			return usageError("breakpoint on unknown step %q", id)
		}
		m.SetBreakpoint(id, "")
	}
	if *debug || len(bps) > 0 {
		m.SetDebug(true)
	}
	if err := watchEvents(ctx, a.hub, logger); err != nil {
		return err
	}

	h, err := a.orch.Start(wf)
	if err != nil {
		return err
	}
	if *interactive {
		go readKeys(ctx, os.Stdin, os.Stderr, a.orch)
	}

	report, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// Interrupted: abort the run and report what it got through.
		a.orch.Close()
		report, err = a.orch.LastReport(), nil
	}
	if err != nil {
		return err
	}
	if report == nil {
		return schema.NewError(schema.ErrCodeAborted, "run ended without a report")
	}

	if *asJSON {
		if err := writeJSON(os.Stdout, report); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}
	if report.Status != schema.RunStatusSuccess {
		return &exitError{code: 1}
	}
	return nil
}

// readKeys feeds one key per stdin line into the router until ctx ends or
// stdin closes. An empty line is enter.
func readKeys(ctx context.Context, in io.Reader, out io.Writer, o *orchestrator.Orchestrator) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		key := strings.TrimRight(sc.Text(), "\r\n")
		switch {
		case key == "":
			key = "enter"
		case strings.TrimSpace(key) == "":
			key = "space"
		default:
			key = strings.TrimSpace(key)
		}
		consumed, err := o.Input(key)
		switch {
		case err != nil:
			fmt.Fprintf(out, "! %v\n", err)
		case !consumed:
			fmt.Fprintf(out, "? %q does nothing here\n", key)
		}
		fmt.Fprintf(out, "[%s] %s\n", o.Machine().State(), promptFor(o))
	}
}

// promptFor describes what the controller is waiting for, if anything.
func promptFor(o *orchestrator.Orchestrator) string {
	m := o.Machine()
	if p, ok := m.Pending(); ok {
		return fmt.Sprintf("confirm %s? (y/n)", p.Kind)
	}
	if d, ok := m.Dialog(); ok {
		return fmt.Sprintf("retry %s with %d retries (+/- adjust, enter submit, esc close)", d.StepID, d.MaxRetries)
	}
	snap := m.Snapshot()
	if len(snap.Held) > 0 {
		return "held at " + strings.Join(snap.Held, ", ") + " (space resume, s step, o step over, u step out)"
	}
	return fmt.Sprintf("%d/%d steps settled", snap.Progress.Settled, snap.Progress.Total)
}

func runValidate(_ context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2}
	}
	if fs.NArg() != 1 {
		return usageError("validate takes exactly one workflow file")
	}

	def, err := compiler.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	o, err := orchestrator.New(orchestrator.Config{Logger: logger, PoolSize: cfg.PoolSize})
	if err != nil {
		return err
	}
	defer o.Close()

	res := o.Validate(def)
	if *asJSON {
		if err := writeJSON(os.Stdout, map[string]any{
			"valid":    res.Valid(),
			"errors":   res.Errors,
			"warnings": res.Warnings,
		}); err != nil {
			return err
		}
	} else {
		printValidation(os.Stdout, def.ID, res)
	}
	if !res.Valid() {
		return &exitError{code: 1}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
