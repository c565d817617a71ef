package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethdford/vibex-sub011/internal/compiler"
	"github.com/sethdford/vibex-sub011/internal/diagram"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func (s *PanelServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	o := s.deps.Orchestrator
	out := map[string]any{
		"controller": o.Machine().Snapshot(),
		"active":     o.Active(),
	}
	if wf := o.Staged(); wf != nil {
		out["workflow_id"] = wf.ID
	}
	if last := o.LastReport(); last != nil {
		out["last_run_id"] = last.RunID
		out["last_status"] = last.Status
	}
	writeJSON(w, http.StatusOK, out)
}

// handleKey routes one key or command name through the router.
func (s *PanelServer) handleKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	consumed, err := s.deps.Orchestrator.Input(body.Key)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consumed": consumed,
		"state":    s.deps.Orchestrator.Machine().State(),
	})
}

// handleRun loads a definition (file path or inline) and starts it.
func (s *PanelServer) handleRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		File       string                     `json:"file"`
		Definition *schema.WorkflowDefinition `json:"definition"`
		Debug      bool                       `json:"debug"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	def := body.Definition
	if body.File != "" {
		var err error
		if def, err = compiler.LoadFile(body.File); err != nil {
			writeFlowError(w, err)
			return
		}
	}
	if def == nil {
		writeError(w, http.StatusBadRequest, "file or definition is required")
		return
	}

	o := s.deps.Orchestrator
	wf, err := o.Load(def)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if body.Debug {
		o.Machine().SetDebug(true)
	}
	if _, err := o.Start(wf); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "started",
		"workflow_id": wf.ID,
		"steps":       len(wf.Steps),
	})
}

// handleRetry re-executes one step of the last run.
func (s *PanelServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepID string `json:"step_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StepID == "" {
		writeError(w, http.StatusBadRequest, "step_id is required")
		return
	}
	if _, err := s.deps.Orchestrator.StartRetry(body.StepID); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "step_id": body.StepID})
}

func (s *PanelServer) handleSetBreakpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Condition string `json:"condition"`
	}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &body) {
			return
		}
	}
	bp := s.deps.Orchestrator.Machine().SetBreakpoint(r.PathValue("step"), body.Condition)
	writeJSON(w, http.StatusOK, bp)
}

func (s *PanelServer) handleClearBreakpoint(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Orchestrator.Machine()
	step := r.PathValue("step")
	if _, ok := m.Breakpoint(step); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no breakpoint on step %q", step))
		return
	}
	m.ToggleBreakpoint(step)
	w.WriteHeader(http.StatusNoContent)
}

// handlePlan draws the staged workflow with live status.
func (s *PanelServer) handlePlan(w http.ResponseWriter, r *http.Request) {
	o := s.deps.Orchestrator
	wf := o.Staged()
	if wf == nil {
		writeError(w, http.StatusNotFound, "no workflow loaded")
		return
	}
	snap := o.Machine().Snapshot()
	opts := diagram.Options{Held: snap.Held}
	for _, bp := range snap.Breakpoints {
		if bp.Enabled {
			opts.Breakpoints = append(opts.Breakpoints, bp.StepID)
		}
	}
	if last := o.LastReport(); last != nil && last.WorkflowID == wf.ID {
		opts.Report = last
	}
	model, err := diagram.Build(wf, opts)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "svg":
		data, err := diagram.RenderImage(r.Context(), model, diagram.FormatSVG)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func (s *PanelServer) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, http.StatusServiceUnavailable, "report store is not configured")
		return
	}
	q := r.URL.Query()
	f := store.ReportFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     schema.RunStatus(q.Get("status")),
		Limit:      queryInt(r, "limit", 20),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q: use RFC 3339", v))
			return
		}
		f.Since = &t
	}
	list, err := s.deps.Reports.ListReports(r.Context(), f)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": list})
}

// handleReport serves one report; "latest" picks the newest, optionally
// of the workflow_id query parameter.
func (s *PanelServer) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.findReport(r)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *PanelServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log is not configured")
		return
	}
	report, err := s.findReport(r)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	tl, err := s.deps.Events.ReplayControl(r.Context(), report.RunID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *PanelServer) findReport(r *http.Request) (*schema.RunReport, error) {
	id := r.PathValue("id")
	workflowID := r.URL.Query().Get("workflow_id")
	if last := s.deps.Orchestrator.LastReport(); last != nil {
		if last.RunID == id || (id == "latest" && (workflowID == "" || last.WorkflowID == workflowID)) {
			return last, nil
		}
	}
	if s.deps.Reports == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "report %q not found", id)
	}
	if id == "latest" {
		return s.deps.Reports.LatestReport(r.Context(), workflowID)
	}
	return s.deps.Reports.GetReport(r.Context(), id)
}

func (s *PanelServer) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.deps.Scheduler.Jobs()})
}
