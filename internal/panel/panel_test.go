package panel

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/internal/streaming"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

const twoSteps = `{"definition": {"id": "panel-flow", "steps": [
	{"id": "a", "action": "noop"},
	{"id": "b", "action": "noop", "depends_on": ["a"]}
]}}`

type fixture struct {
	srv  *httptest.Server
	orch *orchestrator.Orchestrator
	hub  *streaming.MemoryHub
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	hub := streaming.NewMemoryHub()
	deps := PanelDeps{Hub: hub}
	cfg := orchestrator.Config{Hub: hub}

	if withStore {
		s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "panel.db"))
		require.NoError(t, err)
		require.NoError(t, s.Migrate(context.Background()))
		t.Cleanup(func() { s.Close() })
		cfg.Sink = s
		deps.Reports = s
	}

	o, err := orchestrator.New(cfg)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	deps.Orchestrator = o

	srv := httptest.NewServer(NewPanelServer(deps).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, orch: o, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.orch.Active() && f.orch.LastReport() != nil },
		2*time.Second, 5*time.Millisecond)
}

func TestRunAndStatus(t *testing.T) {
	f := newFixture(t, false)

	resp, out := f.do(t, http.MethodPost, "/api/runs", twoSteps)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "panel-flow", out["workflow_id"])
	f.waitIdle(t)

	resp, out = f.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["active"])
	assert.Equal(t, string(schema.RunStatusSuccess), out["last_status"])
	ctl := out["controller"].(map[string]any)
	assert.Equal(t, "completed", ctl["state"])
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t, false)

	resp, out := f.do(t, http.MethodPost, "/api/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "file or definition is required", out["error"])

	resp, out = f.do(t, http.MethodPost, "/api/runs", `{"definition": {"id": "x", "steps": [{"id": "a", "action": "nope"}]}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeActionUnavailable, out["code"])

	resp, _ = f.do(t, http.MethodPost, "/api/runs", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKeys(t *testing.T) {
	f := newFixture(t, false)

	resp, out := f.do(t, http.MethodPost, "/api/keys", `{"key": "pause"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeInvalidTransition, out["code"])

	resp, out = f.do(t, http.MethodPost, "/api/keys", `{"key": "z"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["consumed"])

	resp, _ = f.do(t, http.MethodPost, "/api/keys", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBreakpointsAndResume(t *testing.T) {
	f := newFixture(t, false)

	resp, out := f.do(t, http.MethodPut, "/api/breakpoints/b", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "b", out["step_id"])
	f.orch.Machine().SetDebug(true)

	resp, _ = f.do(t, http.MethodPost, "/api/runs", twoSteps)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return len(f.orch.Machine().Snapshot().Held) == 1 },
		2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(f.srv.URL + "/api/plan?format=ascii")
	require.NoError(t, err)
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	var plan strings.Builder
	for sc.Scan() {
		plan.WriteString(sc.Text() + "\n")
	}
	assert.Contains(t, plan.String(), "[HELD]")

	resp, out = f.do(t, http.MethodPost, "/api/keys", `{"key": "resume"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["consumed"])
	f.waitIdle(t)

	resp, _ = f.do(t, http.MethodDelete, "/api/breakpoints/b", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/breakpoints/b", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlanWithoutWorkflow(t *testing.T) {
	f := newFixture(t, false)
	resp, out := f.do(t, http.MethodGet, "/api/plan", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no workflow loaded", out["error"])
}

func TestReports(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodGet, "/api/reports/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.do(t, http.MethodPost, "/api/runs", twoSteps)
	f.waitIdle(t)
	runID := f.orch.LastReport().RunID

	resp, out := f.do(t, http.MethodGet, "/api/reports/"+runID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runID, out["run_id"])

	resp, out = f.do(t, http.MethodGet, "/api/reports?workflow_id=panel-flow&limit=5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["reports"], 1)

	resp, _ = f.do(t, http.MethodGet, "/api/reports?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/reports/"+runID+"/timeline", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOptionalDependencies(t *testing.T) {
	f := newFixture(t, false)

	resp, _ := f.do(t, http.MethodGet, "/api/reports", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/runs/retry", `{"step_id": "a"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSE(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse/events?type="+schema.EventStateChanged, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.hub.Subscribers() > 0 }, time.Second, 5*time.Millisecond)
	f.do(t, http.MethodPost, "/api/runs", twoSteps)

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: "+schema.EventStateChanged, sc.Text())
	require.True(t, sc.Scan())
	assert.True(t, strings.HasPrefix(sc.Text(), "data: {"))
}
