package term

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientListSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"sessions": []Session{
				{AgentID: "worker-1", AgentName: "Worker One", SessionID: "s1"},
			},
		})
	}))
	defer srv.Close()

	sessions, err := NewClient(srv.URL).ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].AgentID != "worker-1" {
		t.Fatalf("sessions = %v", sessions)
	}
}

func TestClientReadOutputRowErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["agent_id"] != "all" {
			t.Fatalf("agent_id = %v", req["agent_id"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"results": []ReadResult{
				{AgentID: "worker-1", Output: []string{"line"}},
				{AgentID: "worker-2", Error: "session not found"},
			},
		})
	}))
	defer srv.Close()

	results, err := NewClient(srv.URL).ReadOutput(context.Background(), "", 30)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if len(results) != 2 || results[1].Error != "session not found" {
		t.Fatalf("results = %v", results)
	}
}

func TestClientEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "tmux gone"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListSessions(context.Background())
	if err == nil {
		t.Fatal("envelope error not surfaced")
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if _, err := c.ListSessions(context.Background()); err == nil {
		t.Fatal("unreachable bridge reported success")
	}
}
