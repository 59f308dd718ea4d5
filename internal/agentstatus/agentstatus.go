// Package agentstatus stores per-worker health snapshots with upsert
// semantics.
package agentstatus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status values form a closed set; anything else normalizes to unknown.
const (
	StatusRunning      = "running"
	StatusIdle         = "idle"
	StatusStuck        = "stuck"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
	StatusUnknown      = "unknown"
)

const maxOutputTail = 50

var validStatus = map[string]bool{
	StatusRunning: true, StatusIdle: true, StatusStuck: true,
	StatusError: true, StatusDisconnected: true, StatusUnknown: true,
}

// Snapshot is one worker's health row.
type Snapshot struct {
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	StagnantSec int       `json:"stagnant_sec"`
	Error       string    `json:"error"`
	OutputTail  []string  `json:"output_tail"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists snapshots in agent_status.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// NormalizeStatus maps arbitrary input into the closed status set.
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if validStatus[s] {
		return s
	}
	return StatusUnknown
}

// NormalizeTail trims each line, drops blanks, and keeps the last
// maxOutputTail entries.
func NormalizeTail(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t\r\n")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) > maxOutputTail {
		out = out[len(out)-maxOutputTail:]
	}
	return out
}

// Upsert inserts or updates a snapshot by agent_id.
func (s *Store) Upsert(ctx context.Context, snap Snapshot) error {
	if snap.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	snap.Status = NormalizeStatus(snap.Status)
	if snap.StagnantSec < 0 {
		snap.StagnantSec = 0
	}
	snap.OutputTail = NormalizeTail(snap.OutputTail)

	tail, err := json.Marshal(snap.OutputTail)
	if err != nil {
		return fmt.Errorf("marshal output_tail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_status (agent_id, agent_name, session_id, status, stagnant_sec, error, output_tail, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_name   = EXCLUDED.agent_name,
			session_id   = EXCLUDED.session_id,
			status       = EXCLUDED.status,
			stagnant_sec = EXCLUDED.stagnant_sec,
			error        = EXCLUDED.error,
			output_tail  = EXCLUDED.output_tail,
			updated_at   = now()`,
		snap.AgentID, snap.AgentName, snap.SessionID, snap.Status,
		snap.StagnantSec, snap.Error, string(tail))
	if err != nil {
		return fmt.Errorf("upsert agent status: %w", err)
	}
	return nil
}

// Query returns snapshots newest-first by updated_at. Empty agentID / status
// mean no constraint.
func (s *Store) Query(ctx context.Context, agentID, status string, limit int) ([]Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if agentID != "" {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, NormalizeStatus(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	q := `SELECT agent_id, agent_name, session_id, status, stagnant_sec, error, output_tail, created_at, updated_at
		FROM agent_status`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent status: %w", err)
	}
	defer rows.Close()

	snaps := []Snapshot{}
	for rows.Next() {
		var (
			snap Snapshot
			tail sql.NullString
		)
		if err := rows.Scan(&snap.AgentID, &snap.AgentName, &snap.SessionID, &snap.Status,
			&snap.StagnantSec, &snap.Error, &tail, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent status: %w", err)
		}
		if tail.Valid && tail.String != "" {
			_ = json.Unmarshal([]byte(tail.String), &snap.OutputTail)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Summary aggregates snapshot counts for the dashboard.
type Summary struct {
	Total        int `json:"total"`
	Healthy      int `json:"healthy"`
	Unhealthy    int `json:"unhealthy"`
	Running      int `json:"running"`
	Idle         int `json:"idle"`
	Stuck        int `json:"stuck"`
	Error        int `json:"error"`
	Disconnected int `json:"disconnected"`
	Unknown      int `json:"unknown"`
}

// Summarize counts snapshots per status. running/idle count as healthy.
func Summarize(snaps []Snapshot) Summary {
	var sum Summary
	sum.Total = len(snaps)
	for _, s := range snaps {
		switch s.Status {
		case StatusRunning:
			sum.Running++
			sum.Healthy++
		case StatusIdle:
			sum.Idle++
			sum.Healthy++
		case StatusStuck:
			sum.Stuck++
			sum.Unhealthy++
		case StatusError:
			sum.Error++
			sum.Unhealthy++
		case StatusDisconnected:
			sum.Disconnected++
			sum.Unhealthy++
		default:
			sum.Unknown++
			sum.Unhealthy++
		}
	}
	return sum
}
