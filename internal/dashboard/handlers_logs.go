package dashboard

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/audit"
)

// aiLoggerPrefixes is the AI-log projection: system-log rows whose logger
// sits under any of these prefixes.
var aiLoggerPrefixes = []string{"llm", "orchestrator", "mcp", "agent"}

func parseTimeParam(r *http.Request, name string) time.Time {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Server) auditFilterFromRequest(r *http.Request) audit.Filter {
	q := r.URL.Query()
	return audit.Filter{
		EventType: strings.TrimSpace(q.Get("event_type")),
		Action:    strings.TrimSpace(q.Get("action")),
		Actor:     strings.TrimSpace(q.Get("actor")),
		Level:     strings.TrimSpace(q.Get("level")),
		Keyword:   strings.TrimSpace(q.Get("keyword")),
		Since:     parseTimeParam(r, "since"),
		Until:     parseTimeParam(r, "until"),
		Limit:     safeInt(r, "limit", 100, 1, 1000),
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "audit store unavailable")
		return
	}
	events, err := s.deps.Audit.Query(r.Context(), s.auditFilterFromRequest(r))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events, "count": len(events)})
}

func (s *Server) handleAuditDistinct(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "audit store unavailable")
		return
	}
	column := strings.TrimSpace(r.URL.Query().Get("column"))
	values, err := s.deps.Audit.DistinctValues(r.Context(), column)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "column": column, "values": values})
}

func (s *Server) logFilterFromRequest(r *http.Request, prefixes []string) audit.LogFilter {
	q := r.URL.Query()
	return audit.LogFilter{
		Level:          strings.TrimSpace(q.Get("level")),
		Logger:         strings.TrimSpace(q.Get("logger")),
		Keyword:        strings.TrimSpace(q.Get("keyword")),
		LoggerPrefixes: prefixes,
		Since:          parseTimeParam(r, "since"),
		Limit:          safeInt(r, "limit", 100, 1, 1000),
	}
}

func (s *Server) handleSystemLog(w http.ResponseWriter, r *http.Request) {
	s.serveLogs(w, r, nil)
}

func (s *Server) handleAILog(w http.ResponseWriter, r *http.Request) {
	s.serveLogs(w, r, aiLoggerPrefixes)
}

func (s *Server) serveLogs(w http.ResponseWriter, r *http.Request, prefixes []string) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "audit store unavailable")
		return
	}
	entries, err := s.deps.Audit.QueryLogs(r.Context(), s.logFilterFromRequest(r, prefixes))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logs": entries, "count": len(entries)})
}

func (s *Server) handleSystemLogExport(w http.ResponseWriter, r *http.Request) {
	s.exportLogs(w, r, nil, "system-log.ndjson")
}

func (s *Server) handleAILogExport(w http.ResponseWriter, r *http.Request) {
	s.exportLogs(w, r, aiLoggerPrefixes, "ai-log.ndjson")
}

func (s *Server) exportLogs(w http.ResponseWriter, r *http.Request, prefixes []string, filename string) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "audit store unavailable")
		return
	}
	f := s.logFilterFromRequest(r, prefixes)
	f.Limit = safeInt(r, "limit", 1000, 1, 1000)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := s.deps.Audit.StreamLogsNDJSON(r.Context(), f, w); err != nil {
		// Headers are out; all we can do is log.
		s.logger.Warn("log export failed", zap.Error(err))
	}
}

func (s *Server) handleAILogLoggers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "audit store unavailable")
		return
	}
	loggers, err := s.deps.Audit.DistinctLoggers(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "loggers": loggers})
}
