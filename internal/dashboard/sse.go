package dashboard

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/agentstatus"
	"github.com/marcus-qen/opsbus/internal/events"
	"github.com/marcus-qen/opsbus/internal/metrics"
)

// handleEventsStream is the SSE fan-out: emit connected, seed one
// agent_status snapshot, then forward bus events with an idle heartbeat.
// Any write error tears the subscription down.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "event bus unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := s.deps.Bus.Subscribe()
	defer s.deps.Bus.Unsubscribe(ch)
	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	send := func(ev events.Event) bool {
		if err := events.WriteSSE(w, ev); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	now := time.Now().UTC()
	connected := map[string]any{"version": Version, "client_id": uuid.NewString()}
	if !send(events.Event{Type: "connected", Time: now, Payload: connected}) {
		return
	}

	// Seed the current fleet snapshot so a fresh client renders instantly.
	if s.deps.Status != nil {
		if snaps, err := s.deps.Status.Query(r.Context(), "", "", 0); err == nil {
			payload := map[string]any{
				"summary": agentstatus.Summarize(snaps),
				"agents":  snaps,
			}
			if !send(events.Event{Type: "agent_status", Time: now, Payload: payload}) {
				return
			}
		} else {
			s.logger.Warn("sse snapshot seed failed", zap.Error(err))
		}
	}

	syncSec := s.deps.Cfg.SSESyncSec
	if syncSec <= 0 {
		syncSec = 15
	}
	heartbeat := time.NewTicker(time.Duration(syncSec) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// Evicted by the bus for falling behind.
				return
			}
			if !send(ev) {
				return
			}
		case <-heartbeat.C:
			hb := events.Event{
				Type: "sync",
				Time: time.Now().UTC(),
				Payload: map[string]any{
					"scope":  []string{},
					"reason": "heartbeat",
				},
			}
			if !send(hb) {
				return
			}
		}
	}
}
