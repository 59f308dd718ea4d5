// Package mcpserver exposes the agent tool registry over the Model Context
// Protocol. Every tool is action-dispatched and answers with a JSON envelope
// {ok, ...}; tool handlers never surface Go errors for domain failures.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/audit"
	"github.com/marcus-qen/opsbus/internal/cmdcard"
	"github.com/marcus-qen/opsbus/internal/coord"
	"github.com/marcus-qen/opsbus/internal/events"
	"github.com/marcus-qen/opsbus/internal/opsstore"
	"github.com/marcus-qen/opsbus/internal/sharedfile"
	"github.com/marcus-qen/opsbus/internal/store"
	"github.com/marcus-qen/opsbus/internal/term"
)

// Version is injected from the build metadata.
var Version = "dev"

// Deps carries everything the tool registry dispatches into.
type Deps struct {
	Bridge term.Bridge
	Files  *sharedfile.Store
	Ops    *opsstore.Store
	Coord  *coord.Store
	Cards  *cmdcard.Engine
	DB     *store.Store
	Audit  *audit.Store
	Bus    *events.Bus

	// AgentDBExecute gates the db tool's execute action.
	AgentDBExecute bool
}

// Server is the MCP surface for the agent bus.
type Server struct {
	server  *mcp.Server
	handler http.Handler
	deps    Deps
	logger  *zap.Logger
}

// New creates and wires the MCP tool registry.
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "opsbus",
		Version: implVersion,
	}, nil)

	s := &Server{
		server: srv,
		deps:   deps,
		logger: logger.Named("mcp"),
	}

	s.registerTools()
	s.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)

	return s
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
