package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}

func TestPrintReport(t *testing.T) {
	r := &schema.RunReport{
		RunID:      "run-1",
		WorkflowID: "build",
		Status:     schema.RunStatusFailure,
		Steps: []schema.StepResult{
			{StepID: "fetch", Status: schema.StepStatusSuccess, DurationMs: 12},
			{StepID: "test", Status: schema.StepStatusFailure, Retries: 2, Error: "exit 1", ErrorCode: schema.ErrCodeExecution},
		},
		Timing: schema.Timing{Succeeded: 1, Failed: 1},
	}
	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()

	assert.Contains(t, out, "workflow  build")
	assert.Contains(t, out, "1 succeeded, 1 failed")
	assert.Contains(t, out, "fetch")
	assert.Contains(t, out, schema.ErrCodeExecution+": exit 1")
}

func TestPrintValidation(t *testing.T) {
	res := &schema.ValidationResult{
		Errors:   []schema.ValidationIssue{{Path: "/steps/0", Code: "UNKNOWN_ACTION", Message: "no such action", Severity: schema.SeverityError}},
		Warnings: []schema.ValidationIssue{{Path: "/steps/1", Code: "RETRIES", Message: "too many", Severity: schema.SeverityWarning}},
	}
	var buf bytes.Buffer
	printValidation(&buf, "flow", res)
	out := buf.String()
	assert.Contains(t, out, "flow: 1 error(s)")
	assert.Contains(t, out, "error   /steps/0 [UNKNOWN_ACTION] no such action")
	assert.Contains(t, out, "warning /steps/1 [RETRIES] too many")
}

func TestReadKeys_ResumesFromBreakpoint(t *testing.T) {
	o, err := orchestrator.New(orchestrator.Config{Logger: logging.Discard()})
	require.NoError(t, err)
	defer o.Close()

	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`id: flow
steps:
  - id: a
    action: noop
  - id: b
    action: noop
    depends_on: [a]
`), 0o644))
	wf, err := o.LoadFile(path)
	require.NoError(t, err)
	o.Machine().SetBreakpoint("b", "")
	o.Machine().SetDebug(true)

	h, err := o.Start(wf)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(o.Machine().Snapshot().Held) == 1 },
		2*time.Second, 5*time.Millisecond)

	var out bytes.Buffer
	readKeys(context.Background(), strings.NewReader("nonsense\n \n"), &out, o)

	report, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, report.Status)
	assert.Contains(t, out.String(), `? "nonsense" does nothing here`)
}

func TestApp_PersistsReportsAndEvents(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "nested", "flowctl.db")

	a, err := newApp(context.Background(), cfg, logging.Discard(), true)
	require.NoError(t, err)

	wf, err := a.orch.Load(&schema.WorkflowDefinition{
		ID:    "persist",
		Steps: []schema.StepDefinition{{ID: "only", Action: "noop"}},
	})
	require.NoError(t, err)
	report, err := a.orch.Run(context.Background(), wf)
	require.NoError(t, err)
	a.Close()

	b, err := newApp(context.Background(), cfg, logging.Discard(), false)
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.reports())

	var buf bytes.Buffer
	require.NoError(t, func() error {
		s, err := newApp(context.Background(), cfg, logging.Discard(), true)
		if err != nil {
			return err
		}
		defer s.Close()
		got, err := s.store.GetReport(context.Background(), report.RunID)
		if err != nil {
			return err
		}
		printReport(&buf, got)
		tl, err := s.events.ReplayControl(context.Background(), report.RunID)
		if err != nil {
			return err
		}
		printTimeline(&buf, tl)
		return nil
	}())
	assert.Contains(t, buf.String(), "workflow  persist")
	assert.Contains(t, buf.String(), "control   ")
	assert.Contains(t, buf.String(), "completed")
}
