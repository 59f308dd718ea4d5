// Package term defines the capability the orchestrator requires from the
// external terminal multiplexer, plus an HTTP shim client for running the
// bridge as a subprocess service.
package term

import "context"

// Session identifies one hosted worker terminal.
type Session struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	SessionID string `json:"session_id"`
}

// ReadResult is one agent's output tail. Error is row-level: the bridge
// answered but this session failed (e.g. "session not found").
type ReadResult struct {
	AgentID string   `json:"agent_id"`
	Output  []string `json:"output"`
	Error   string   `json:"error,omitempty"`
}

// SendRequest targets one agent or all.
type SendRequest struct {
	AgentID     string `json:"agent_id"` // "all" broadcasts
	Text        string `json:"text"`
	AppendEnter bool   `json:"append_enter"`
	WaitSec     int    `json:"wait_sec"`
	TailLines   int    `json:"tail_lines"`
}

// SendResult is one agent's send outcome.
type SendResult struct {
	AgentID string   `json:"agent_id"`
	Sent    bool     `json:"sent"`
	Read    bool     `json:"read"`
	Output  []string `json:"output,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Bridge is the single interface through which the orchestrator talks to the
// terminal host. Every call may fail with a structured error; callers must
// tolerate that.
type Bridge interface {
	ListSessions(ctx context.Context) ([]Session, error)
	// ReadOutput reads the output tail for one agent, or all when agentID
	// is "all" or empty.
	ReadOutput(ctx context.Context, agentID string, tailLines int) ([]ReadResult, error)
	SendInput(ctx context.Context, req SendRequest) ([]SendResult, error)
	// ReadScreen dumps the live screen of one session for the viewer.
	ReadScreen(ctx context.Context, sessionID string, lines int) ([]string, error)
	StartStreamer(ctx context.Context, sessionID string) error
	StopStreamer(ctx context.Context, sessionID string) error
}
