package opsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Interaction is one agent-to-agent message or review request.
type Interaction struct {
	ID             int64          `json:"id"`
	ThreadID       string         `json:"thread_id"`
	ParentID       *int64         `json:"parent_id,omitempty"`
	Sender         string         `json:"sender"`
	Receiver       string         `json:"receiver"`
	MsgType        string         `json:"msg_type"`
	Status         string         `json:"status"`
	RequiresReview bool           `json:"requires_review"`
	Payload        map[string]any `json:"payload,omitempty"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
	ReviewNote     string         `json:"review_note,omitempty"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// InteractionFilter selects interactions.
type InteractionFilter struct {
	ThreadID string
	Sender   string
	Receiver string
	MsgType  string
	Status   string
	Limit    int
}

// CreateInteraction inserts one interaction row and returns it.
func (s *Store) CreateInteraction(ctx context.Context, in Interaction) (*Interaction, error) {
	if in.Sender == "" {
		return nil, fmt.Errorf("sender is required")
	}
	if in.MsgType == "" {
		in.MsgType = "message"
	}
	if in.Status == "" {
		if in.RequiresReview {
			in.Status = "pending_review"
		} else {
			in.Status = "open"
		}
	}
	var payload any
	if len(in.Payload) > 0 {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_interactions
			(thread_id, parent_id, sender, receiver, msg_type, status, requires_review, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		in.ThreadID, in.ParentID, in.Sender, in.Receiver, in.MsgType, in.Status,
		in.RequiresReview, payload).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create interaction: %w", err)
	}

	s.audit.Log(ctx, auditInteraction("create", in.Sender, id, in.MsgType))
	return s.GetInteraction(ctx, id)
}

// GetInteraction loads one interaction by id.
func (s *Store) GetInteraction(ctx context.Context, id int64) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, parent_id, sender, receiver, msg_type, status,
		       requires_review, payload, reviewed_by, review_note, reviewed_at,
		       created_at, updated_at
		FROM agent_interactions WHERE id = $1`, id)
	return scanInteraction(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var (
		in         Interaction
		parentID   sql.NullInt64
		payload    sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(&in.ID, &in.ThreadID, &parentID, &in.Sender, &in.Receiver,
		&in.MsgType, &in.Status, &in.RequiresReview, &payload,
		&in.ReviewedBy, &in.ReviewNote, &reviewedAt, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		in.ParentID = &parentID.Int64
	}
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &in.Payload)
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		in.ReviewedAt = &t
	}
	return &in, nil
}

// ListInteractions returns rows newest-first.
func (s *Store) ListInteractions(ctx context.Context, f InteractionFilter) ([]Interaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ThreadID != "" {
		add("thread_id = $%d", f.ThreadID)
	}
	if f.Sender != "" {
		add("sender = $%d", f.Sender)
	}
	if f.Receiver != "" {
		add("receiver = $%d", f.Receiver)
	}
	if f.MsgType != "" {
		add("msg_type = $%d", f.MsgType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	q := `SELECT id, thread_id, parent_id, sender, receiver, msg_type, status,
		requires_review, payload, reviewed_by, review_note, reviewed_at,
		created_at, updated_at FROM agent_interactions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	out := []Interaction{}
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// ReviewInteraction records a review decision on a pending interaction.
// decision must be approved or rejected.
func (s *Store) ReviewInteraction(ctx context.Context, id int64, decision, reviewer, note string) (*Interaction, error) {
	if decision != "approved" && decision != "rejected" {
		return nil, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_interactions
		SET status = $1, reviewed_by = $2, review_note = $3, reviewed_at = now(), updated_at = now()
		WHERE id = $4 AND status = 'pending_review'`,
		decision, reviewer, note, id)
	if err != nil {
		return nil, fmt.Errorf("review interaction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		current, err := s.GetInteraction(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("interaction %d is %s, not pending_review", id, current.Status)
	}
	s.audit.Log(ctx, auditInteraction("review", reviewer, id, decision))
	return s.GetInteraction(ctx, id)
}

// SetInteractionStatus force-sets status (used by the command-card review
// path to keep the linked interaction in lockstep).
func (s *Store) SetInteractionStatus(ctx context.Context, id int64, status, reviewer, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_interactions
		SET status = $1, reviewed_by = $2, review_note = $3, reviewed_at = now(), updated_at = now()
		WHERE id = $4`,
		status, reviewer, note, id)
	if err != nil {
		return fmt.Errorf("set interaction status: %w", err)
	}
	return nil
}
