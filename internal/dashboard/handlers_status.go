package dashboard

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/opsbus/internal/agentstatus"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Liveness only. Never touches the database.
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": "live",
		"ts":     time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "no database",
			"ts":     time.Now().UTC(),
		})
		return
	}
	latency, err := s.deps.DB.Ping(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": err.Error(),
			"ts":     time.Now().UTC(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"status":        "ready",
		"ts":            time.Now().UTC(),
		"db_latency_ms": latency.Milliseconds(),
	})
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchdog == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "watchdog not running")
		return
	}
	sent, skipped := s.deps.Watchdog.Counters()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"enabled": s.deps.Watchdog.Enabled(),
		"sent":    sent,
		"skipped": skipped,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streamer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "no terminal bridge configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": s.deps.Streamer.Active(),
	})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streamer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "no terminal bridge configured")
		return
	}
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "session_id required")
		return
	}
	// The stream must outlive this request, so it runs off the server context.
	if err := s.deps.Streamer.Start(context.Background(), sessionID); err != nil {
		writeJSONError(w, http.StatusBadGateway, "bridge", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": sessionID})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streamer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "no terminal bridge configured")
		return
	}
	sessionID := r.PathValue("session_id")
	stopped := s.deps.Streamer.Stop(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"session_id": sessionID,
		"stopped":    stopped,
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "agent status store unavailable")
		return
	}
	limit := safeInt(r, "limit", 100, 1, 1000)
	lines := safeInt(r, "lines", 0, 0, 50)
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	snaps, err := s.deps.Status.Query(r.Context(), agentID, status, limit)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store", err.Error())
		return
	}
	if lines > 0 {
		for i := range snaps {
			if len(snaps[i].OutputTail) > lines {
				snaps[i].OutputTail = snaps[i].OutputTail[len(snaps[i].OutputTail)-lines:]
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"ts":      time.Now().UTC(),
		"summary": agentstatus.Summarize(snaps),
		"agents":  snaps,
	})
}
