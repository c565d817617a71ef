package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sethdford/vibex-sub011/internal/compiler"
	"github.com/sethdford/vibex-sub011/internal/diagram"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// handleRun loads a workflow, applies breakpoints and starts it.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := definitionArg(req)
	if err != nil {
		return toolError(err), nil
	}
	wf, err := s.orch.Load(def)
	if err != nil {
		return toolError(err), nil
	}

	m := s.orch.Machine()
	bps := stringList(req.GetArguments()["breakpoints"])
	for _, id := range bps {
		if wf.Step(id) == nil {
			return mcp.NewToolResultError(fmt.Sprintf("breakpoint on unknown step %q", id)), nil
		}
		m.SetBreakpoint(id, "")
	}
	if req.GetBool("debug", false) || len(bps) > 0 {
		m.SetDebug(true)
	}
	if clientID := req.GetString("client_id", ""); clientID != "" {
		s.captureSession(ctx, clientID)
	}

	if req.GetBool("wait", false) {
		report, err := s.orch.Run(ctx, wf)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(report)
	}

	if _, err := s.orch.Start(wf); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"status":      "started",
		"workflow_id": wf.ID,
		"steps":       len(wf.Steps),
	})
}

// handleControl routes one key through the controller's router.
func (s *FlowServer) handleControl(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	consumed, err := s.orch.Input(key)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"consumed": consumed,
		"state":    s.orch.Machine().State(),
	})
}

// handleStatus returns the machine snapshot.
func (s *FlowServer) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"controller": s.orch.Machine().Snapshot(),
		"active":     s.orch.Active(),
	}
	if wf := s.orch.Staged(); wf != nil {
		out["workflow_id"] = wf.ID
	}
	if last := s.orch.LastReport(); last != nil {
		out["last_run_id"] = last.RunID
		out["last_status"] = last.Status
	}
	return marshalResult(out)
}

// handleReport returns one report, from memory or the store.
func (s *FlowServer) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	workflowID := req.GetString("workflow_id", "")

	report, err := s.findReport(ctx, runID, workflowID)
	if err != nil {
		return toolError(err), nil
	}
	if !req.GetBool("timeline", false) {
		return marshalResult(report)
	}
	if s.events == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}
	tl, err := s.events.ReplayControl(ctx, report.RunID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"report": report, "timeline": tl})
}

func (s *FlowServer) findReport(ctx context.Context, runID, workflowID string) (*schema.RunReport, error) {
	if last := s.orch.LastReport(); last != nil {
		switch {
		case runID != "" && last.RunID == runID:
			return last, nil
		case runID == "" && (workflowID == "" || last.WorkflowID == workflowID):
			return last, nil
		}
	}
	if s.reports == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no matching report")
	}
	if runID != "" {
		return s.reports.GetReport(ctx, runID)
	}
	return s.reports.LatestReport(ctx, workflowID)
}

// handleBreakpoint toggles or sets a breakpoint and optionally arms debug.
func (s *FlowServer) handleBreakpoint(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	m := s.orch.Machine()
	if armed, ok := req.GetArguments()["debug"].(bool); ok {
		m.SetDebug(armed)
	}

	var (
		bp  any
		set = true
	)
	if cond := req.GetString("condition", ""); cond != "" {
		bp = m.SetBreakpoint(stepID, cond)
	} else {
		bp, set = m.ToggleBreakpoint(stepID)
	}

	snap := m.Snapshot()
	return marshalResult(map[string]any{
		"breakpoint":  bp,
		"set":         set,
		"debug_armed": snap.DebugArmed,
		"breakpoints": snap.Breakpoints,
	})
}

// handleValidate runs the validation pipeline on a definition.
func (s *FlowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := definitionArg(req)
	if err != nil {
		return marshalResult(map[string]any{
			"valid":  false,
			"errors": []schema.ValidationIssue{{Path: "/", Code: schema.CodeOf(err), Message: err.Error(), Severity: schema.SeverityError}},
		})
	}
	res := s.orch.Validate(def)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleReports lists stored reports.
func (s *FlowServer) handleReports(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.reports == nil {
		return mcp.NewToolResultError("report store is not configured"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	f := store.ReportFilter{Limit: extractInt(filter, "limit", 20)}
	if v, ok := filter["workflow_id"].(string); ok {
		f.WorkflowID = v
	}
	if v, ok := filter["status"].(string); ok {
		f.Status = schema.RunStatus(v)
	}
	if v, ok := filter["since"].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: use RFC 3339", v)), nil
		}
		f.Since = &t
	}

	list, err := s.reports.ListReports(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"reports": list})
}

// handlePlan draws the staged workflow. Breakpoints and held steps come
// from the machine; outcomes from the last report of the same workflow.
func (s *FlowServer) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf := s.orch.Staged()
	if wf == nil {
		return mcp.NewToolResultError("no workflow loaded"), nil
	}
	snap := s.orch.Machine().Snapshot()
	opts := diagram.Options{Held: snap.Held}
	for _, bp := range snap.Breakpoints {
		if bp.Enabled {
			opts.Breakpoints = append(opts.Breakpoints, bp.StepID)
		}
	}
	if last := s.orch.LastReport(); last != nil && last.WorkflowID == wf.ID {
		opts.Report = last
	}

	model, err := diagram.Build(wf, opts)
	if err != nil {
		return toolError(err), nil
	}
	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

// --- Helpers ---

// definitionArg reads the definition from "file" or the inline
// "definition" object. JSON is valid YAML, so both go through the same
// strict parser.
func definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if path := req.GetString("file", ""); path != "" {
		return compiler.LoadFile(path)
	}
	inline := mcp.ParseStringMap(req, "definition", nil)
	if inline == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "file or definition is required")
	}
	data, err := json.Marshal(inline)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode definition: %s", err.Error())
	}
	def, err := compiler.Parse(data)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = "inline"
	}
	return def, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the client id to its current MCP session for
// event notifications.
func (s *FlowServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
