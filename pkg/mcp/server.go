package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/internal/streaming"
)

// FlowServerDeps holds the dependencies for creating a FlowServer. Reports,
// Events and Hub are optional.
type FlowServerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Reports      store.ReportStore
	Events       *store.EventLog
	Hub          streaming.EventHub
	Version      string
	Logger       *slog.Logger
}

// FlowServer exposes the orchestrator as MCP tools.
type FlowServer struct {
	orch      *orchestrator.Orchestrator
	reports   store.ReportStore
	events    *store.EventLog
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with every tool registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &FlowServer{
		orch:     deps.Orchestrator,
		reports:  deps.Reports,
		events:   deps.Events,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowctl",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("flowctl runs DAG workflows under an interactive controller. Use flow.run to start a workflow, flow.control to send control keys (space, s, o, u, x, q, y, n), flow.status for the controller snapshot, flow.breakpoint to manage breakpoints and flow.report to read run reports."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Hub events are forwarded to subscribed clients meanwhile.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		if err := s.forwardEvents(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: reportTool(), Handler: s.handleReport},
		{Tool: breakpointTool(), Handler: s.handleBreakpoint},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: reportsTool(), Handler: s.handleReports},
		{Tool: planTool(), Handler: s.handlePlan},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Load a workflow and start it under the controller"),
		mcp.WithString("file", mcp.Description("Path of a YAML or JSON definition file")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (used when file is empty)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes and return its report (default false)")),
		mcp.WithBoolean("debug", mcp.Description("Arm breakpoints before starting")),
		mcp.WithArray("breakpoints", mcp.Description("Step ids to set breakpoints on"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("client_id", mcp.Description("Subscribe this client to live control events")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("flow.control",
		mcp.WithDescription("Send one key or command to the controller"),
		mcp.WithString("key", mcp.Required(), mcp.Description("A key (space, s, o, u, x, q, R, y, n, enter, esc) or a command name (pause, resume, step_over, abort, confirm, ...)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get the controller state, progress and breakpoints"),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("flow.report",
		mcp.WithDescription("Get a run report by run id, or the latest one"),
		mcp.WithString("run_id", mcp.Description("Run id (default: latest run)")),
		mcp.WithString("workflow_id", mcp.Description("Limit 'latest' to one workflow")),
		mcp.WithBoolean("timeline", mcp.Description("Include the recorded control timeline")),
	)
}

func breakpointTool() mcp.Tool {
	return mcp.NewTool("flow.breakpoint",
		mcp.WithDescription("Toggle or set a breakpoint on a step"),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Step to break before")),
		mcp.WithString("condition", mcp.Description("CEL condition; when given the breakpoint is set instead of toggled")),
		mcp.WithBoolean("debug", mcp.Description("Arm or disarm breakpoints")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithString("file", mcp.Description("Path of a YAML or JSON definition file")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (used when file is empty)")),
	)
}

func reportsTool() mcp.Tool {
	return mcp.NewTool("flow.reports",
		mcp.WithDescription("List stored run reports, newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, since, limit)")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("flow.plan",
		mcp.WithDescription("Draw the execution plan of the loaded workflow with live status"),
		mcp.WithString("format", mcp.Description("mermaid (default) or ascii")),
	)
}
