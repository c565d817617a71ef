package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func printReport(w io.Writer, r *schema.RunReport) {
	fmt.Fprintf(w, "run       %s\n", r.RunID)
	fmt.Fprintf(w, "workflow  %s\n", r.WorkflowID)
	if r.RetryOf != "" {
		fmt.Fprintf(w, "retry of  %s\n", r.RetryOf)
	}
	fmt.Fprintf(w, "status    %s (%d succeeded, %d failed, %d skipped in %s)\n\n",
		r.Status, r.Timing.Succeeded, r.Timing.Failed, r.Timing.Skipped,
		time.Duration(r.Timing.DurationMs)*time.Millisecond)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tRETRIES\tDURATION\tERROR")
	for _, s := range r.Steps {
		status := string(s.Status)
		if s.ExpectedFailure {
			status += " (expected failure)"
		}
		errText := s.Error
		if s.ErrorCode != "" && !strings.HasPrefix(errText, "["+s.ErrorCode+"]") {
			errText = s.ErrorCode + ": " + errText
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.StepID, status, s.Retries,
			time.Duration(s.DurationMs)*time.Millisecond, errText)
	}
	tw.Flush()

	for _, e := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func printValidation(w io.Writer, id string, res *schema.ValidationResult) {
	if res.Valid() {
		fmt.Fprintf(w, "%s: valid\n", id)
	} else {
		fmt.Fprintf(w, "%s: %d error(s)\n", id, len(res.Errors))
	}
	for _, is := range res.Errors {
		fmt.Fprintf(w, "  error   %s [%s] %s\n", is.Path, is.Code, is.Message)
	}
	for _, is := range res.Warnings {
		fmt.Fprintf(w, "  warning %s [%s] %s\n", is.Path, is.Code, is.Message)
	}
}

func printSummaries(w io.Writer, list []*store.ReportSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no reports")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tSTEPS\tFAILED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.RunID, s.WorkflowID, s.Status, s.StartedAt.Local().Format(time.DateTime),
			time.Duration(s.DurationMs)*time.Millisecond, s.StepCount, s.FailedCount)
	}
	tw.Flush()
}

func printTimeline(w io.Writer, tl *store.Timeline) {
	states := make([]string, len(tl.States))
	for i, s := range tl.States {
		states[i] = string(s)
	}
	fmt.Fprintf(w, "\ncontrol   %s\n", strings.Join(states, " -> "))
	fmt.Fprintf(w, "progress  %d/%d\n", tl.Settled, tl.Total)
	for step, n := range tl.BreakpointHits {
		fmt.Fprintf(w, "break     %s x%d\n", step, n)
	}
	for kind, n := range tl.Confirmations {
		fmt.Fprintf(w, "confirm   %s x%d\n", kind, n)
	}
	if len(tl.Retries) > 0 {
		fmt.Fprintf(w, "retries   %s\n", strings.Join(tl.Retries, ", "))
	}
}
