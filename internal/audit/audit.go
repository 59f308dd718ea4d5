// Package audit persists the append-only audit trail and system logs, and
// serves the filtered read side used by the dashboard.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	limitDefault = 100
	limitMax     = 1000
)

// Event is one append-only audit row.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"ts"`
	EventType string         `json:"event_type"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Actor     string         `json:"actor"`
	Target    string         `json:"target"`
	Detail    string         `json:"detail"`
	Level     string         `json:"level"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogEntry is one system-log row.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Logger    string    `json:"logger"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Filter selects audit rows. Zero values mean "no constraint".
type Filter struct {
	EventType string
	Action    string
	Actor     string
	Level     string
	Keyword   string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// LogFilter selects system-log rows.
type LogFilter struct {
	Level   string
	Logger  string
	Keyword string
	// LoggerPrefixes restricts rows to loggers with any of these prefixes
	// (the AI-log projection).
	LoggerPrefixes []string
	Since          time.Time
	Limit          int
}

// Store writes and reads audit_events and system_logs.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return limitDefault
	}
	if limit > limitMax {
		return limitMax
	}
	return limit
}

// escapeLike escapes %, _ and \ so user keywords match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// Append inserts one audit event. Append never updates existing rows.
func (s *Store) Append(ctx context.Context, ev Event) (int64, error) {
	if ev.EventType == "" {
		return 0, fmt.Errorf("event_type is required")
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	var extra any
	if len(ev.Extra) > 0 {
		b, err := json.Marshal(ev.Extra)
		if err != nil {
			return 0, fmt.Errorf("marshal extra: %w", err)
		}
		extra = string(b)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_events (event_type, action, result, actor, target, detail, level, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		ev.EventType, ev.Action, ev.Result, ev.Actor, ev.Target, ev.Detail, ev.Level, extra).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return id, nil
}

// Log is a convenience Append that never fails the caller; write errors are
// logged and swallowed so audit problems cannot break a mutation path.
func (s *Store) Log(ctx context.Context, ev Event) {
	if _, err := s.Append(ctx, ev); err != nil {
		s.logger.Warn("audit append failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

func buildAuditQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Level != "" {
		add("level = $%d", f.Level)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until)
	}
	if f.Keyword != "" {
		kw := "%" + escapeLike(f.Keyword) + "%"
		args = append(args, kw)
		n := len(args)
		where = append(where, fmt.Sprintf(
			`(target ILIKE $%d ESCAPE '\' OR detail ILIKE $%d ESCAPE '\' OR actor ILIKE $%d ESCAPE '\')`, n, n, n))
	}

	q := `SELECT id, ts, event_type, action, result, actor, target, detail, level, extra FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	return q, args
}

// Query returns audit rows newest-first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	q, args := buildAuditQuery(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev    Event
			extra sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &ev.Action, &ev.Result,
			&ev.Actor, &ev.Target, &ev.Detail, &ev.Level, &extra); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if extra.Valid && extra.String != "" {
			_ = json.Unmarshal([]byte(extra.String), &ev.Extra)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DistinctValues returns the distinct values of one filterable audit column,
// for the dashboard filter dropdowns.
func (s *Store) DistinctValues(ctx context.Context, column string) ([]string, error) {
	switch column {
	case "event_type", "action", "actor", "level":
	default:
		return nil, fmt.Errorf("column %q is not filterable", column)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT %s FROM audit_events WHERE %s <> '' ORDER BY %s`, column, column, column))
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// AppendLog inserts one system-log row.
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.Level == "" {
		entry.Level = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs (level, logger, message, raw)
		VALUES ($1, $2, $3, $4)`,
		entry.Level, entry.Logger, entry.Message, entry.Raw)
	if err != nil {
		return fmt.Errorf("append system log: %w", err)
	}
	return nil
}

func buildLogQuery(f LogFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Level != "" {
		args = append(args, f.Level)
		where = append(where, fmt.Sprintf("level = $%d", len(args)))
	}
	if f.Logger != "" {
		args = append(args, f.Logger)
		where = append(where, fmt.Sprintf("logger = $%d", len(args)))
	}
	if len(f.LoggerPrefixes) > 0 {
		var ors []string
		for _, p := range f.LoggerPrefixes {
			args = append(args, escapeLike(p)+"%")
			ors = append(ors, fmt.Sprintf(`logger LIKE $%d ESCAPE '\'`, len(args)))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if f.Keyword != "" {
		args = append(args, "%"+escapeLike(f.Keyword)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(`(message ILIKE $%d ESCAPE '\' OR raw ILIKE $%d ESCAPE '\')`, n, n))
	}

	q := `SELECT id, ts, level, logger, message, raw FROM system_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	return q, args
}

// QueryLogs returns system-log rows newest-first.
func (s *Store) QueryLogs(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	q, args := buildLogQuery(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query system logs: %w", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Logger, &e.Message, &e.Raw); err != nil {
			return nil, fmt.Errorf("scan system log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DistinctLoggers supplies the logger dropdown of the system-log view.
func (s *Store) DistinctLoggers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT logger FROM system_logs WHERE logger <> '' ORDER BY logger`)
	if err != nil {
		return nil, fmt.Errorf("distinct loggers: %w", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// StreamLogsNDJSON writes matching system-log rows to w as newline-delimited
// JSON, newest-first.
func (s *Store) StreamLogsNDJSON(ctx context.Context, f LogFilter, w io.Writer) error {
	entries, err := s.QueryLogs(ctx, f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// Purge deletes audit events and system logs older than the retention window.
// Returns total rows removed.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var total int64
	for _, table := range []string{"audit_events", "system_logs"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("purged old log rows", zap.Int64("rows", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}
