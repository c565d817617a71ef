// Package panel serves the controller over HTTP: JSON endpoints for status,
// keys, runs, reports and the plan, and a Server-Sent Events stream of
// live control events.
package panel

import (
	"log/slog"
	"net/http"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/internal/orchestrator"
	"github.com/sethdford/vibex-sub011/internal/scheduler"
	"github.com/sethdford/vibex-sub011/internal/store"
	"github.com/sethdford/vibex-sub011/internal/streaming"
)

// PanelDeps holds the dependencies for the panel server. Reports, Events,
// Hub and Scheduler are optional; their routes answer 503 without them.
type PanelDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Reports      store.ReportStore
	Events       *store.EventLog
	Hub          streaming.EventHub
	Scheduler    *scheduler.Scheduler
	Logger       *slog.Logger
}

// PanelServer serves the HTTP control surface.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/keys", s.handleKey)
	mux.HandleFunc("POST /api/runs", s.handleRun)
	mux.HandleFunc("POST /api/runs/retry", s.handleRetry)
	mux.HandleFunc("PUT /api/breakpoints/{step}", s.handleSetBreakpoint)
	mux.HandleFunc("DELETE /api/breakpoints/{step}", s.handleClearBreakpoint)
	mux.HandleFunc("GET /api/plan", s.handlePlan)

	mux.HandleFunc("GET /api/reports", s.handleReports)
	mux.HandleFunc("GET /api/reports/{id}", s.handleReport)
	mux.HandleFunc("GET /api/reports/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/schedules", s.handleSchedules)

	mux.HandleFunc("GET /sse/events", s.handleSSE)
	return mux
}
