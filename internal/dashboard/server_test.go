package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/opsbus/internal/config"
	"github.com/marcus-qen/opsbus/internal/coord"
	"github.com/marcus-qen/opsbus/internal/events"
)

func newTestDashboard(t *testing.T) (*Server, *coord.Store, string) {
	t.Helper()
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("OPSBUS_LISTEN_ADDR=:8080\n"), 0o640); err != nil {
		t.Fatalf("seed env: %v", err)
	}
	coordStore, err := coord.NewStore(filepath.Join(dir, "state"), nil, nil)
	if err != nil {
		t.Fatalf("new coord store: %v", err)
	}
	srv := New(Deps{
		Cfg:     config.Default(),
		EnvPath: envPath,
		Coord:   coordStore,
		Bus:     events.NewBus(0),
	}, nil)
	return srv, coordStore, envPath
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNeverTouchesDB(t *testing.T) {
	srv, _, _ := newTestDashboard(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["ok"] != true || out["status"] != "live" {
		t.Fatalf("body = %v", out)
	}
}

func TestReadyWithoutDBIs503(t *testing.T) {
	srv, _, _ := newTestDashboard(t)
	rec := doRequest(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWatchdogEndpointWithoutWatchdogIs503(t *testing.T) {
	srv, _, _ := newTestDashboard(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/watchdog", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTerminalStreamEndpointsWithoutBridgeAre503(t *testing.T) {
	srv, _, _ := newTestDashboard(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/terminal/streams"},
		{http.MethodPost, "/api/terminal/s1/stream/start"},
		{http.MethodPost, "/api/terminal/s1/stream/stop"},
	} {
		rec := doRequest(t, srv, tc.method, tc.path, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: status = %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv, _, envPath := newTestDashboard(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/config", map[string]string{
		"OPSBUS_SSE_SYNC_SEC": "30",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("post status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var out struct {
		Config map[string]string `json:"config"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Config["OPSBUS_SSE_SYNC_SEC"] != "30" {
		t.Fatalf("config = %v", out.Config)
	}

	data, _ := os.ReadFile(envPath)
	if !strings.Contains(string(data), "OPSBUS_SSE_SYNC_SEC=30") {
		t.Fatalf("env file missing update: %s", data)
	}
}

func TestConfigRejectsUnknownKey(t *testing.T) {
	srv, _, _ := newTestDashboard(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/config", map[string]string{
		"OPSBUS_NO_SUCH_KEY": "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTopologyDecisionRejectsBadIDBeforeStore(t *testing.T) {
	// No topology engine is wired; a malformed id must still answer 400.
	srv, _, _ := newTestDashboard(t)
	for _, id := range []string{"SHORT", "ABCDEF0123456789", "zzzz"} {
		rec := doRequest(t, srv, http.MethodPost, "/api/topology/approvals/"+id+"/approve", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("id %q: status = %d", id, rec.Code)
		}
	}
}

func TestTaskViewsServeCoordState(t *testing.T) {
	srv, coordStore, _ := newTestDashboard(t)

	dep, _, err := coordStore.CreateTask(coord.Task{Title: "build", Creator: "m", ProjectID: "rel"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := coordStore.CreateTask(coord.Task{
		Title: "deploy", Creator: "m", ProjectID: "rel", DependsOn: []string{dep.TaskID},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/task-dags", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dags status = %d", rec.Code)
	}
	var dagOut struct {
		DAGs []taskDAG `json:"dags"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dagOut); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dagOut.DAGs) != 1 || len(dagOut.DAGs[0].Edges) != 1 {
		t.Fatalf("dags = %+v", dagOut.DAGs)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/task-traces/spans", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("spans without trace_id: status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/task-traces/spans?trace_id=rel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("spans status = %d", rec.Code)
	}
}

func TestEventsStreamEmitsConnectedAndForwards(t *testing.T) {
	srv, _, _ := newTestDashboard(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	// Wait for the subscriber to attach, then publish through the bus.
	deadline := time.Now().Add(2 * time.Second)
	for srv.deps.Bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.deps.Bus.Publish("agent_status", map[string]any{"agent_id": "w1"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(types) < 2 || types[0] != "connected" {
		t.Fatalf("event types = %v", types)
	}
	found := false
	for _, typ := range types {
		if typ == "agent_status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("published event not forwarded: %v", types)
	}
}

func TestIndexRendersConfigPage(t *testing.T) {
	srv, _, _ := newTestDashboard(t)
	rec := doRequest(t, srv, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "opsbus configuration") {
		t.Fatal("config page missing heading")
	}
}
