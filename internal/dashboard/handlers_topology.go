package dashboard

import (
	"net/http"
	"strings"

	"github.com/marcus-qen/opsbus/internal/store"
	"github.com/marcus-qen/opsbus/internal/topology"
)

func (s *Server) handleListTopologyApprovals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topo == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "topology engine unavailable")
		return
	}
	approvals, err := s.deps.Topo.List(r.Context(),
		strings.TrimSpace(r.URL.Query().Get("status")),
		safeInt(r, "limit", 100, 1, 1000))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "approvals": approvals, "count": len(approvals)})
}

func (s *Server) handleTopologyApprove(w http.ResponseWriter, r *http.Request) {
	s.decideTopology(w, r, true)
}

func (s *Server) handleTopologyReject(w http.ResponseWriter, r *http.Request) {
	s.decideTopology(w, r, false)
}

func (s *Server) decideTopology(w http.ResponseWriter, r *http.Request, approve bool) {
	// Id shape is validated before any store access.
	id := r.PathValue("id")
	if !topology.IDPattern.MatchString(id) {
		writeJSONError(w, http.StatusBadRequest, "validation", "approval id must be 16 lowercase hex characters")
		return
	}
	if s.deps.Topo == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "topology engine unavailable")
		return
	}

	var req struct {
		Reviewer string `json:"reviewer"`
		Note     string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	var (
		approval *topology.Approval
		err      error
	)
	if approve {
		approval, err = s.deps.Topo.Approve(r.Context(), id, req.Reviewer, req.Note)
	} else {
		approval, err = s.deps.Topo.Reject(r.Context(), id, req.Reviewer, req.Note)
	}
	if store.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", "approval not found: "+id)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	s.publishSync("topology decision", "approvals")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "approval": approval})
}
