// Package dashboard serves the operator HTTP surface: health probes, the
// config page, JSON APIs over the stores, and the SSE event stream.
package dashboard

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/agentstatus"
	"github.com/marcus-qen/opsbus/internal/audit"
	"github.com/marcus-qen/opsbus/internal/cmdcard"
	"github.com/marcus-qen/opsbus/internal/config"
	"github.com/marcus-qen/opsbus/internal/coord"
	"github.com/marcus-qen/opsbus/internal/events"
	"github.com/marcus-qen/opsbus/internal/opsstore"
	"github.com/marcus-qen/opsbus/internal/store"
	"github.com/marcus-qen/opsbus/internal/term"
	"github.com/marcus-qen/opsbus/internal/topology"
)

// Version info injected at build time.
var Version = "dev"

// Deps carries the subsystems the dashboard serves. Nil members degrade to
// 503 on their endpoints instead of failing startup.
type Deps struct {
	Cfg     config.Config
	EnvPath string

	DB     *store.Store
	Status *agentstatus.Store
	Audit  *audit.Store
	Ops    *opsstore.Store
	Cards  *cmdcard.Engine
	Topo   *topology.Engine
	Coord  *coord.Store
	Bus    *events.Bus

	// Watchdog exposes the chatops watchdog when it runs in-process.
	Watchdog WatchdogStats

	// Streamer feeds terminal events into the bus when a bridge is wired.
	Streamer *term.Streamer

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler

	// MCP is mounted at /mcp when non-nil.
	MCP http.Handler
}

// WatchdogStats is the read surface of the chatops watchdog.
type WatchdogStats interface {
	Enabled() bool
	Counters() (sent, skipped int64)
}

// Server is the assembled dashboard.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// New builds the dashboard server.
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: logger.Named("dashboard")}
}

// Handler returns the full routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return maxBodySizeMiddleware(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("GET /api/events/stream", s.handleEventsStream)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePostConfig)

	mux.HandleFunc("GET /api/agent-status", s.handleAgentStatus)
	mux.HandleFunc("GET /api/watchdog", s.handleWatchdog)

	mux.HandleFunc("GET /api/terminal/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/terminal/{session_id}/stream/start", s.handleStartStream)
	mux.HandleFunc("POST /api/terminal/{session_id}/stream/stop", s.handleStopStream)

	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/audit/distinct", s.handleAuditDistinct)
	mux.HandleFunc("GET /api/system-log", s.handleSystemLog)
	mux.HandleFunc("GET /api/system-log/export", s.handleSystemLogExport)
	mux.HandleFunc("GET /api/ai-log", s.handleAILog)
	mux.HandleFunc("GET /api/ai-log/export", s.handleAILogExport)
	mux.HandleFunc("GET /api/ai-log/loggers", s.handleAILogLoggers)

	mux.HandleFunc("GET /api/command-cards", s.handleListCards)
	mux.HandleFunc("POST /api/command-cards", s.handleSaveCard)
	mux.HandleFunc("POST /api/command-cards/toggle", s.handleToggleCard)
	mux.HandleFunc("POST /api/command-cards/delete", s.handleDeleteCard)
	mux.HandleFunc("POST /api/command-cards/rollback", s.handleRollbackCard)
	mux.HandleFunc("POST /api/command-cards/execute", s.handleExecuteCard)
	mux.HandleFunc("GET /api/command-card-runs", s.handleListRuns)
	mux.HandleFunc("POST /api/command-card-runs/review", s.handleReviewRun)
	mux.HandleFunc("POST /api/command-card-runs/execute", s.handleExecuteRun)

	mux.HandleFunc("GET /api/topology/approvals", s.handleListTopologyApprovals)
	mux.HandleFunc("POST /api/topology/approvals/{id}/approve", s.handleTopologyApprove)
	mux.HandleFunc("POST /api/topology/approvals/{id}/reject", s.handleTopologyReject)

	mux.HandleFunc("GET /api/task-acks", s.handleTaskAcks)
	mux.HandleFunc("GET /api/task-dags", s.handleTaskDAGs)
	mux.HandleFunc("GET /api/task-traces", s.handleTaskTraces)
	mux.HandleFunc("GET /api/task-traces/spans", s.handleTaskSpans)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.MCP != nil {
		mux.Handle("/mcp", s.deps.MCP)
		mux.Handle("/mcp/", s.deps.MCP)
	}
}

// ListenAndServe runs the server until the listener fails or is closed.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("dashboard listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// publishSync nudges open dashboards after a mutating request. Never throws.
func (s *Server) publishSync(reason string, scopes ...string) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish("sync", map[string]any{
		"scope":  scopes,
		"reason": reason,
	})
}
