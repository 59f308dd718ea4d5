package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/coord"
	"github.com/marcus-qen/opsbus/internal/term"
)

type fakeBridge struct {
	sessions []term.Session
	err      error
}

func (f *fakeBridge) ListSessions(ctx context.Context) ([]term.Session, error) {
	return f.sessions, f.err
}

func (f *fakeBridge) ReadOutput(ctx context.Context, agentID string, tailLines int) ([]term.ReadResult, error) {
	return []term.ReadResult{{AgentID: agentID, Output: []string{"line"}}}, f.err
}

func (f *fakeBridge) SendInput(ctx context.Context, req term.SendRequest) ([]term.SendResult, error) {
	return []term.SendResult{{AgentID: req.AgentID, Sent: true}}, f.err
}

func (f *fakeBridge) ReadScreen(ctx context.Context, sessionID string, lines int) ([]string, error) {
	return nil, f.err
}

func (f *fakeBridge) StartStreamer(ctx context.Context, sessionID string) error { return f.err }
func (f *fakeBridge) StopStreamer(ctx context.Context, sessionID string) error  { return f.err }

func newTestServer(t *testing.T) (*Server, *coord.Store) {
	t.Helper()

	coordStore, err := coord.NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new coord store: %v", err)
	}
	srv := New(Deps{
		Bridge: &fakeBridge{sessions: []term.Session{
			{AgentID: "worker-1", AgentName: "Worker One", SessionID: "s1"},
		}},
		Coord: coordStore,
	}, zap.NewNop())
	return srv, coordStore
}

func connectClient(t *testing.T, srv *Server) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("mcp server run exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for mcp server shutdown")
		}
	})

	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty result from %s", name)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text.Text), &out); err != nil {
		t.Fatalf("decode %s envelope: %v (text=%q)", name, err, text.Text)
	}
	return out
}

func TestToolsRegistered(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"approval", "command_card", "db", "interaction", "iterm",
		"lock", "prompt_template", "shared_file", "task",
	}
	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestUnknownActionEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "task", map[string]any{"action": "explode"})
	if out["ok"] != false {
		t.Fatalf("unknown action envelope = %v", out)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "unknown action") {
		t.Fatalf("error = %q", msg)
	}
}

func TestITermListTool(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "iterm", map[string]any{"action": "list"})
	if out["ok"] != true {
		t.Fatalf("envelope = %v", out)
	}
	sessions, _ := out["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", out["sessions"])
	}
}

func TestTaskToolLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "task", map[string]any{
		"action":      "create",
		"title":       "flaky job",
		"creator":     "master",
		"max_retries": 1,
	})
	if out["ok"] != true {
		t.Fatalf("create envelope = %v", out)
	}
	task := out["task"].(map[string]any)
	taskID := task["task_id"].(string)
	if !strings.HasPrefix(taskID, "T") {
		t.Fatalf("task id = %q", taskID)
	}

	out = callTool(t, session, "task", map[string]any{
		"action":  "update",
		"task_id": taskID,
		"status":  "failed",
		"result":  "boom",
	})
	if out["ok"] != true || out["auto_retried"] != true {
		t.Fatalf("update envelope = %v", out)
	}
	updated := out["task"].(map[string]any)
	if updated["status"] != "pending" {
		t.Fatalf("status after auto-retry = %v", updated["status"])
	}
}

func TestLockToolConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "lock", map[string]any{
		"action": "acquire", "resource": "deploy", "owner": "w1", "ttl_sec": 60,
	})
	if out["ok"] != true || out["acquired"] != true {
		t.Fatalf("first acquire = %v", out)
	}

	out = callTool(t, session, "lock", map[string]any{
		"action": "acquire", "resource": "deploy", "owner": "w2", "ttl_sec": 60,
	})
	if out["ok"] != false || out["holder"] != "w1" {
		t.Fatalf("conflict envelope = %v", out)
	}
}

func TestApprovalToolRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "approval", map[string]any{
		"action":    "request",
		"requester": "worker-1",
		"title":     "ship it",
		"options":   []string{"yes", "no"},
	})
	if out["ok"] != true {
		t.Fatalf("request envelope = %v", out)
	}
	approvalID := out["approval"].(map[string]any)["approval_id"].(string)

	out = callTool(t, session, "approval", map[string]any{
		"action":      "respond",
		"approval_id": approvalID,
		"decision":    "yes",
		"approver":    "human",
	})
	if out["ok"] != true {
		t.Fatalf("respond envelope = %v", out)
	}
	if out["approval"].(map[string]any)["status"] != "resolved" {
		t.Fatalf("approval not resolved: %v", out)
	}
}

func TestDBExecuteGateRejectsBeforeDB(t *testing.T) {
	// AgentDBExecute is off and no DB is wired: the gate must answer first.
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "db", map[string]any{
		"action": "execute",
		"sql":    "INSERT INTO agent_interactions (sender) VALUES ('x')",
	})
	if out["ok"] != false {
		t.Fatalf("gate envelope = %v", out)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "disabled") {
		t.Fatalf("error = %q", msg)
	}
}

func TestUnavailableDependencyEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	session := connectClient(t, srv)

	out := callTool(t, session, "shared_file", map[string]any{
		"action": "read", "path": "notes/todo.md",
	})
	if out["ok"] != false {
		t.Fatalf("envelope = %v", out)
	}
}
