package dashboard

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/marcus-qen/opsbus/internal/coord"
)

// The task views are read-only projections over the coordination store:
// acks (who picked what up), DAGs (dependency graphs per project), and
// traces (per-project span timelines).

type taskAck struct {
	TaskID   string    `json:"task_id"`
	Title    string    `json:"title"`
	Assignee string    `json:"assignee"`
	Status   string    `json:"status"`
	AckedAt  time.Time `json:"acked_at"`
}

type dagNode struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type dagEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type taskDAG struct {
	ProjectID string    `json:"project_id"`
	Nodes     []dagNode `json:"nodes"`
	Edges     []dagEdge `json:"edges"`
}

type taskSpan struct {
	SpanID    string     `json:"span_id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Assignee  string     `json:"assignee,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type taskTrace struct {
	TraceID   string    `json:"trace_id"`
	SpanCount int       `json:"span_count"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// traceID groups a task into its trace. Standalone tasks trace by their own id.
func traceID(t *coord.Task) string {
	if t.ProjectID != "" {
		return t.ProjectID
	}
	return t.TaskID
}

func acksFromTasks(tasks []coord.Task) []taskAck {
	acks := []taskAck{}
	for _, t := range tasks {
		if t.Assignee == "" || t.Status == coord.TaskPending {
			continue
		}
		acks = append(acks, taskAck{
			TaskID:   t.TaskID,
			Title:    t.Title,
			Assignee: t.Assignee,
			Status:   t.Status,
			AckedAt:  t.UpdatedAt,
		})
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i].AckedAt.After(acks[j].AckedAt) })
	return acks
}

func dagsFromTasks(tasks []coord.Task) []taskDAG {
	grouped := map[string]*taskDAG{}
	for _, t := range tasks {
		id := traceID(&t)
		dag := grouped[id]
		if dag == nil {
			dag = &taskDAG{ProjectID: id, Nodes: []dagNode{}, Edges: []dagEdge{}}
			grouped[id] = dag
		}
		dag.Nodes = append(dag.Nodes, dagNode{TaskID: t.TaskID, Title: t.Title, Status: t.Status})
		for _, dep := range t.DependsOn {
			dag.Edges = append(dag.Edges, dagEdge{From: dep, To: t.TaskID})
		}
	}

	out := make([]taskDAG, 0, len(grouped))
	for _, dag := range grouped {
		sort.Slice(dag.Nodes, func(i, j int) bool { return dag.Nodes[i].TaskID < dag.Nodes[j].TaskID })
		out = append(out, *dag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func tracesFromTasks(tasks []coord.Task) []taskTrace {
	grouped := map[string]*taskTrace{}
	for _, t := range tasks {
		id := traceID(&t)
		tr := grouped[id]
		if tr == nil {
			tr = &taskTrace{TraceID: id, StartedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
			grouped[id] = tr
		}
		tr.SpanCount++
		if t.CreatedAt.Before(tr.StartedAt) {
			tr.StartedAt = t.CreatedAt
		}
		if t.UpdatedAt.After(tr.UpdatedAt) {
			tr.UpdatedAt = t.UpdatedAt
		}
	}

	out := make([]taskTrace, 0, len(grouped))
	for _, tr := range grouped {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func spansFromTasks(tasks []coord.Task, trace string) []taskSpan {
	spans := []taskSpan{}
	for _, t := range tasks {
		if traceID(&t) != trace {
			continue
		}
		span := taskSpan{
			SpanID:    t.TaskID,
			Name:      t.Title,
			Status:    t.Status,
			Assignee:  t.Assignee,
			StartedAt: t.CreatedAt,
		}
		if t.Terminal() || t.Status == coord.TaskFailed {
			ended := t.UpdatedAt
			span.EndedAt = &ended
		}
		spans = append(spans, span)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].StartedAt.Before(spans[j].StartedAt) })
	return spans
}

func (s *Server) listAllTasks(w http.ResponseWriter) ([]coord.Task, bool) {
	if s.deps.Coord == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "coordination store unavailable")
		return nil, false
	}
	tasks, err := s.deps.Coord.ListTasks(coord.TaskFilter{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store", err.Error())
		return nil, false
	}
	return tasks, true
}

func (s *Server) handleTaskAcks(w http.ResponseWriter, r *http.Request) {
	tasks, ok := s.listAllTasks(w)
	if !ok {
		return
	}
	acks := acksFromTasks(tasks)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "acks": acks, "count": len(acks)})
}

func (s *Server) handleTaskDAGs(w http.ResponseWriter, r *http.Request) {
	tasks, ok := s.listAllTasks(w)
	if !ok {
		return
	}
	dags := dagsFromTasks(tasks)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dags": dags, "count": len(dags)})
}

func (s *Server) handleTaskTraces(w http.ResponseWriter, r *http.Request) {
	tasks, ok := s.listAllTasks(w)
	if !ok {
		return
	}
	traces := tracesFromTasks(tasks)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "traces": traces, "count": len(traces)})
}

func (s *Server) handleTaskSpans(w http.ResponseWriter, r *http.Request) {
	trace := strings.TrimSpace(r.URL.Query().Get("trace_id"))
	if trace == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "trace_id is required")
		return
	}
	tasks, ok := s.listAllTasks(w)
	if !ok {
		return
	}
	spans := spansFromTasks(tasks, trace)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "trace_id": trace, "spans": spans, "count": len(spans)})
}
