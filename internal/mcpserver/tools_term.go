package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/opsbus/internal/coord"
	"github.com/marcus-qen/opsbus/internal/opsstore"
	"github.com/marcus-qen/opsbus/internal/store"
	"github.com/marcus-qen/opsbus/internal/term"
)

type itermInput struct {
	Action      string `json:"action" jsonschema:"one of: list, send, read, clean, unregister, clear_all"`
	AgentID     string `json:"agent_id,omitempty" jsonschema:"target agent id, or all"`
	Text        string `json:"text,omitempty" jsonschema:"text to send to the terminal"`
	AppendEnter *bool  `json:"append_enter,omitempty" jsonschema:"press enter after text (default true)"`
	WaitSec     int    `json:"wait_sec,omitempty" jsonschema:"seconds to wait before reading back"`
	TailLines   int    `json:"tail_lines,omitempty" jsonschema:"output lines to read"`
}

func (s *Server) handleITerm(ctx context.Context, _ *mcp.CallToolRequest, in itermInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Bridge == nil {
		return fail("terminal bridge unavailable")
	}

	switch in.Action {
	case "list":
		sessions, err := s.deps.Bridge.ListSessions(ctx)
		if err != nil {
			return fail("list sessions: %v", err)
		}
		return ok(map[string]any{"sessions": sessions})

	case "send":
		if strings.TrimSpace(in.Text) == "" {
			return fail("text is required")
		}
		appendEnter := true
		if in.AppendEnter != nil {
			appendEnter = *in.AppendEnter
		}
		results, err := s.deps.Bridge.SendInput(ctx, term.SendRequest{
			AgentID:     in.AgentID,
			Text:        in.Text,
			AppendEnter: appendEnter,
			WaitSec:     in.WaitSec,
			TailLines:   in.TailLines,
		})
		if err != nil {
			return fail("send input: %v", err)
		}
		s.recordAudit(ctx, "iterm", "send", "", in.AgentID, fmt.Sprintf("%d bytes", len(in.Text)))
		return ok(map[string]any{"results": results})

	case "read":
		results, err := s.deps.Bridge.ReadOutput(ctx, in.AgentID, in.TailLines)
		if err != nil {
			return fail("read output: %v", err)
		}
		return ok(map[string]any{"results": results})

	case "clean":
		if s.deps.Coord == nil {
			return fail("coordination store unavailable")
		}
		sessions, err := s.deps.Bridge.ListSessions(ctx)
		if err != nil {
			return fail("list sessions: %v", err)
		}
		live := map[string]bool{}
		for _, sess := range sessions {
			live[sess.AgentID] = true
		}
		removed, err := s.deps.Coord.CleanLaunches(live)
		if err != nil {
			return fail("clean launch state: %v", err)
		}
		s.recordAudit(ctx, "iterm", "clean", "", "", fmt.Sprintf("removed %d", removed))
		return ok(map[string]any{"removed": removed})

	case "unregister":
		if s.deps.Coord == nil {
			return fail("coordination store unavailable")
		}
		removed, err := s.deps.Coord.RemoveLaunch(in.AgentID)
		if err != nil {
			return fail("unregister: %v", err)
		}
		s.recordAudit(ctx, "iterm", "unregister", "", in.AgentID, "")
		return ok(map[string]any{"removed": removed})

	case "clear_all":
		if s.deps.Coord == nil {
			return fail("coordination store unavailable")
		}
		n, err := s.deps.Coord.ClearLaunches()
		if err != nil {
			return fail("clear launch state: %v", err)
		}
		s.recordAudit(ctx, "iterm", "clear_all", "", "", fmt.Sprintf("removed %d", n))
		return ok(map[string]any{"removed": n})
	}
	return badAction("iterm", in.Action)
}

type sharedFileInput struct {
	Action  string `json:"action" jsonschema:"one of: write, read, list, delete"`
	Path    string `json:"path,omitempty" jsonschema:"normalized file path"`
	Content string `json:"content,omitempty" jsonschema:"file content for write"`
	Author  string `json:"author,omitempty" jsonschema:"acting agent id"`
	Prefix  string `json:"prefix,omitempty" jsonschema:"path prefix filter for list"`
	Limit   int    `json:"limit,omitempty" jsonschema:"max rows for list"`
}

func (s *Server) handleSharedFile(ctx context.Context, _ *mcp.CallToolRequest, in sharedFileInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Files == nil {
		return fail("shared file store unavailable")
	}

	switch in.Action {
	case "write":
		path, err := s.deps.Files.Write(ctx, in.Path, in.Content, in.Author)
		if err != nil {
			return fail("write: %v", err)
		}
		s.publishSync("shared_files", "write")
		return ok(map[string]any{"path": path, "size": len(in.Content)})

	case "read":
		f, err := s.deps.Files.Read(ctx, in.Path)
		if store.IsNotFound(err) {
			return fail("file not found: %s", in.Path)
		}
		if err != nil {
			return fail("read: %v", err)
		}
		return ok(map[string]any{"file": f})

	case "list":
		entries, err := s.deps.Files.List(ctx, in.Prefix, in.Limit)
		if err != nil {
			return fail("list: %v", err)
		}
		return ok(map[string]any{"files": entries, "count": len(entries)})

	case "delete":
		deleted, err := s.deps.Files.Delete(ctx, in.Path, in.Author)
		if err != nil {
			return fail("delete: %v", err)
		}
		s.publishSync("shared_files", "delete")
		return ok(map[string]any{"deleted": deleted})
	}
	return badAction("shared_file", in.Action)
}

type interactionInput struct {
	Action         string         `json:"action" jsonschema:"one of: create, list, review, roster, register"`
	ID             int64          `json:"id,omitempty" jsonschema:"interaction id for review"`
	ThreadID       string         `json:"thread_id,omitempty"`
	ParentID       *int64         `json:"parent_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	Receiver       string         `json:"receiver,omitempty"`
	MsgType        string         `json:"msg_type,omitempty"`
	Status         string         `json:"status,omitempty" jsonschema:"status filter for list"`
	RequiresReview bool           `json:"requires_review,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Decision       string         `json:"decision,omitempty" jsonschema:"approved or rejected"`
	Reviewer       string         `json:"reviewer,omitempty"`
	Note           string         `json:"note,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	AgentID        string         `json:"agent_id,omitempty" jsonschema:"agent id for register"`
	Name           string         `json:"name,omitempty"`
	Role           string         `json:"role,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
}

func (s *Server) handleInteraction(ctx context.Context, _ *mcp.CallToolRequest, in interactionInput) (*mcp.CallToolResult, any, error) {
	switch in.Action {
	case "create":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		created, err := s.deps.Ops.CreateInteraction(ctx, opsstore.Interaction{
			ThreadID:       in.ThreadID,
			ParentID:       in.ParentID,
			Sender:         in.Sender,
			Receiver:       in.Receiver,
			MsgType:        in.MsgType,
			RequiresReview: in.RequiresReview,
			Payload:        in.Payload,
		})
		if err != nil {
			return fail("create interaction: %v", err)
		}
		s.publishSync("interactions", "create")
		return ok(map[string]any{"interaction": created})

	case "list":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		list, err := s.deps.Ops.ListInteractions(ctx, opsstore.InteractionFilter{
			ThreadID: in.ThreadID,
			Sender:   in.Sender,
			Receiver: in.Receiver,
			MsgType:  in.MsgType,
			Status:   in.Status,
			Limit:    in.Limit,
		})
		if err != nil {
			return fail("list interactions: %v", err)
		}
		return ok(map[string]any{"interactions": list, "count": len(list)})

	case "review":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		reviewed, err := s.deps.Ops.ReviewInteraction(ctx, in.ID, in.Decision, in.Reviewer, in.Note)
		if err != nil {
			return fail("review interaction: %v", err)
		}
		s.publishSync("interactions", "review")
		return ok(map[string]any{"interaction": reviewed})

	case "roster":
		if s.deps.Coord == nil {
			return fail("coordination store unavailable")
		}
		roster, err := s.deps.Coord.Roster()
		if err != nil {
			return fail("roster: %v", err)
		}
		return ok(map[string]any{"agents": roster, "count": len(roster)})

	case "register":
		if s.deps.Coord == nil {
			return fail("coordination store unavailable")
		}
		entry, err := s.deps.Coord.RegisterAgent(coord.RosterEntry{
			AgentID:      in.AgentID,
			Name:         in.Name,
			Role:         in.Role,
			SessionID:    in.SessionID,
			Capabilities: in.Capabilities,
		})
		if err != nil {
			return fail("register agent: %v", err)
		}
		s.recordAudit(ctx, "interaction", "register", in.AgentID, in.AgentID, in.Role)
		return ok(map[string]any{"agent": entry})
	}
	return badAction("interaction", in.Action)
}
