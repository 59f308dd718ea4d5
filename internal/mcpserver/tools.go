package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/opsbus/internal/audit"
	"github.com/marcus-qen/opsbus/internal/metrics"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "iterm",
		Description: "Terminal fleet operations: list, send, read, clean, unregister, clear_all",
	}, s.handleITerm)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "shared_file",
		Description: "Shared scratch files between agents: write, read, list, delete",
	}, s.handleSharedFile)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "interaction",
		Description: "Agent-to-agent messages and reviews: create, list, review, roster, register",
	}, s.handleInteraction)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "prompt_template",
		Description: "Versioned prompt templates: save, get, list, toggle",
	}, s.handlePromptTemplate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "command_card",
		Description: "Two-phase command cards: save, get, list, toggle, prepare, review, exec_run, exec, get_run, list_runs",
	}, s.handleCommandCard)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "db",
		Description: "Guarded SQL access: query (read-only), execute (whitelisted DML, gated)",
	}, s.handleDB)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "task",
		Description: "Coordination tasks with dependencies and retries: create, list, get, update, assign, ready, progress, cancel",
	}, s.handleTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "approval",
		Description: "Human-in-the-loop approvals: request, respond, list, get",
	}, s.handleApproval)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lock",
		Description: "TTL resource locks: acquire, release, list, force_release",
	}, s.handleLock)
}

// ok builds a success envelope. Extra fields merge over {ok:true}.
func ok(fields map[string]any) (*mcp.CallToolResult, any, error) {
	out := map[string]any{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	return jsonToolResult(out)
}

// fail builds a failure envelope. Domain failures go through here, never
// through the MCP error channel.
func fail(format string, args ...any) (*mcp.CallToolResult, any, error) {
	return jsonToolResult(map[string]any{
		"ok":    false,
		"error": fmt.Sprintf(format, args...),
	})
}

func badAction(tool, action string) (*mcp.CallToolResult, any, error) {
	return fail("unknown action %q for tool %s", action, tool)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// recordAudit logs one mutating tool action. Best-effort.
func (s *Server) recordAudit(ctx context.Context, tool, action, actor, target, detail string) {
	metrics.ToolCallsTotal.WithLabelValues(tool, action).Inc()
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.Log(ctx, audit.Event{
		EventType: "tool." + tool,
		Action:    action,
		Actor:     actor,
		Target:    target,
		Detail:    detail,
	})
}

// publishSync nudges open dashboards after a mutating action.
func (s *Server) publishSync(scope, reason string) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish("sync", map[string]any{
		"scope":  []string{scope},
		"reason": reason,
	})
}
