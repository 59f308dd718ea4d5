package dashboard

import (
	"net/http"
	"strings"

	"github.com/marcus-qen/opsbus/internal/opsstore"
	"github.com/marcus-qen/opsbus/internal/store"
)

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ops == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ops store unavailable")
		return
	}
	q := r.URL.Query()
	cards, err := s.deps.Ops.ListCommandCards(r.Context(),
		strings.TrimSpace(q.Get("keyword")),
		strings.TrimSpace(q.Get("risk_level")),
		q.Get("enabled_only") == "true",
		safeInt(r, "limit", 100, 1, 1000))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cards": cards, "count": len(cards)})
}

func (s *Server) handleSaveCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ops == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ops store unavailable")
		return
	}
	var card opsstore.CommandCard
	if err := decodeJSON(r, &card); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	saved, err := s.deps.Ops.SaveCommandCard(r.Context(), card)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("command card saved", "command_cards")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "card": saved})
}

func (s *Server) handleToggleCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ops == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ops store unavailable")
		return
	}
	var req struct {
		CardKey string `json:"card_key"`
		Enabled bool   `json:"enabled"`
		Actor   string `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	card, err := s.deps.Ops.ToggleCommandCard(r.Context(), req.CardKey, req.Enabled, req.Actor)
	if store.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", "command card not found: "+req.CardKey)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("command card toggled", "command_cards")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "card": card})
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ops == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ops store unavailable")
		return
	}
	var req struct {
		CardKey string `json:"card_key"`
		Actor   string `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	deleted, err := s.deps.Ops.DeleteCommandCard(r.Context(), req.CardKey, req.Actor)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, "not_found", "command card not found: "+req.CardKey)
		return
	}
	s.publishSync("command card deleted", "command_cards")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": true})
}

func (s *Server) handleRollbackCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ops == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ops store unavailable")
		return
	}
	var req struct {
		CardKey   string `json:"card_key"`
		VersionID int64  `json:"version_id"`
		Actor     string `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	card, err := s.deps.Ops.RollbackCommandCard(r.Context(), req.CardKey, req.VersionID, req.Actor)
	if store.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", "version not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("command card rolled back", "command_cards")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "card": card})
}

func (s *Server) handleExecuteCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cards == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "card engine unavailable")
		return
	}
	var req struct {
		CardKey     string `json:"card_key"`
		Params      any    `json:"params"`
		RequestedBy string `json:"requested_by"`
		AutoApprove bool   `json:"auto_approve"`
		Reviewer    string `json:"reviewer"`
		ReviewNote  string `json:"review_note"`
		TimeoutSec  int    `json:"timeout_sec"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	res, err := s.deps.Cards.ExecuteCard(r.Context(), req.CardKey, req.Params, req.RequestedBy,
		req.AutoApprove, req.Reviewer, req.ReviewNote, req.TimeoutSec)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("command card executed", "command_card_runs")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"run":            res.Run,
		"interaction":    res.Interaction,
		"pending_review": res.PendingReview,
		"execution_mode": res.ExecutionMode,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cards == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "card engine unavailable")
		return
	}
	q := r.URL.Query()
	runs, err := s.deps.Cards.ListRuns(r.Context(),
		strings.TrimSpace(q.Get("card_key")),
		strings.TrimSpace(q.Get("status")),
		safeInt(r, "limit", 100, 1, 1000))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": runs, "count": len(runs)})
}

func (s *Server) handleReviewRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cards == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "card engine unavailable")
		return
	}
	var req struct {
		RunID    int64  `json:"run_id"`
		Decision string `json:"decision"`
		Reviewer string `json:"reviewer"`
		Note     string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	run, err := s.deps.Cards.Review(r.Context(), req.RunID, req.Decision, req.Reviewer, req.Note)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("run reviewed", "command_card_runs")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}

func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cards == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "card engine unavailable")
		return
	}
	var req struct {
		RunID      int64  `json:"run_id"`
		Actor      string `json:"actor"`
		TimeoutSec int    `json:"timeout_sec"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	run, err := s.deps.Cards.Execute(r.Context(), req.RunID, req.Actor, req.TimeoutSec)
	if store.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("run executed", "command_card_runs")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}
