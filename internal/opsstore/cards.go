package opsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandCard is a named, parameterized shell-command template with a
// declared risk level.
type CommandCard struct {
	CardKey         string         `json:"card_key"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	CommandTemplate string         `json:"command_template"`
	ArgsSchema      map[string]any `json:"args_schema,omitempty"`
	RiskLevel       string         `json:"risk_level"`
	Enabled         bool           `json:"enabled"`
	CreatedBy       string         `json:"created_by"`
	UpdatedBy       string         `json:"updated_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CardVersion is an archived pre-save card state.
type CardVersion struct {
	VersionID       int64          `json:"version_id"`
	CardKey         string         `json:"card_key"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	CommandTemplate string         `json:"command_template"`
	ArgsSchema      map[string]any `json:"args_schema,omitempty"`
	RiskLevel       string         `json:"risk_level"`
	Enabled         bool           `json:"enabled"`
	UpdatedBy       string         `json:"updated_by"`
	SourceUpdatedAt *time.Time     `json:"source_updated_at,omitempty"`
	ArchivedAt      time.Time      `json:"archived_at"`
}

// SaveCommandCard upserts by key, archiving any existing row first.
func (s *Store) SaveCommandCard(ctx context.Context, card CommandCard) (*CommandCard, error) {
	if err := ValidateKey(card.CardKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(card.CommandTemplate) == "" {
		return nil, fmt.Errorf("command_template is required")
	}
	risk, err := NormalizeRisk(card.RiskLevel)
	if err != nil {
		return nil, err
	}
	card.RiskLevel = risk

	schema, err := marshalJSONColumn(card.ArgsSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal args_schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_card_versions
			(card_key, title, description, command_template, args_schema, risk_level, enabled, updated_by, source_updated_at)
		SELECT card_key, title, description, command_template, args_schema, risk_level, enabled, updated_by, updated_at
		FROM command_cards WHERE card_key = $1`, card.CardKey); err != nil {
		return nil, fmt.Errorf("archive command card: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_cards
			(card_key, title, description, command_template, args_schema, risk_level, enabled, created_by, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (card_key) DO UPDATE SET
			title            = EXCLUDED.title,
			description      = EXCLUDED.description,
			command_template = EXCLUDED.command_template,
			args_schema      = EXCLUDED.args_schema,
			risk_level       = EXCLUDED.risk_level,
			enabled          = EXCLUDED.enabled,
			updated_by       = EXCLUDED.updated_by,
			updated_at       = now()`,
		card.CardKey, card.Title, card.Description, card.CommandTemplate,
		schema, card.RiskLevel, card.Enabled, card.CreatedBy, card.UpdatedBy); err != nil {
		return nil, fmt.Errorf("save command card: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	s.audit.Log(ctx, auditOps("command_card", "save", card.UpdatedBy, card.CardKey))
	return s.GetCommandCard(ctx, card.CardKey)
}

func scanCommandCard(row rowScanner) (*CommandCard, error) {
	var (
		card   CommandCard
		schema sql.NullString
	)
	err := row.Scan(&card.CardKey, &card.Title, &card.Description, &card.CommandTemplate,
		&schema, &card.RiskLevel, &card.Enabled, &card.CreatedBy, &card.UpdatedBy,
		&card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if schema.Valid && schema.String != "" {
		_ = json.Unmarshal([]byte(schema.String), &card.ArgsSchema)
	}
	return &card, nil
}

// GetCommandCard loads one card by key.
func (s *Store) GetCommandCard(ctx context.Context, key string) (*CommandCard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT card_key, title, description, command_template, args_schema, risk_level,
		       enabled, created_by, updated_by, created_at, updated_at
		FROM command_cards WHERE card_key = $1`, key)
	return scanCommandCard(row)
}

// ListCommandCards returns cards newest-first with optional keyword search
// over key + title + description + template.
func (s *Store) ListCommandCards(ctx context.Context, keyword, risk string, enabledOnly bool, limit int) ([]CommandCard, error) {
	var (
		where []string
		args  []any
	)
	if risk != "" {
		normalized, err := NormalizeRisk(risk)
		if err != nil {
			return nil, err
		}
		args = append(args, normalized)
		where = append(where, fmt.Sprintf("risk_level = $%d", len(args)))
	}
	if enabledOnly {
		where = append(where, "enabled")
	}
	if keyword != "" {
		args = append(args, "%"+escapeLike(keyword)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			`(card_key ILIKE $%d ESCAPE '\' OR title ILIKE $%d ESCAPE '\' OR description ILIKE $%d ESCAPE '\' OR command_template ILIKE $%d ESCAPE '\')`,
			n, n, n, n))
	}

	q := `SELECT card_key, title, description, command_template, args_schema, risk_level,
		enabled, created_by, updated_by, created_at, updated_at FROM command_cards`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(limit))
	q += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list command cards: %w", err)
	}
	defer rows.Close()

	out := []CommandCard{}
	for rows.Next() {
		card, err := scanCommandCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command card: %w", err)
		}
		out = append(out, *card)
	}
	return out, rows.Err()
}

// ToggleCommandCard sets enabled on a card.
func (s *Store) ToggleCommandCard(ctx context.Context, key string, enabled bool, actor string) (*CommandCard, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_cards SET enabled = $1, updated_by = $2, updated_at = now()
		WHERE card_key = $3`, enabled, actor, key)
	if err != nil {
		return nil, fmt.Errorf("toggle command card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}
	s.audit.Log(ctx, auditOps("command_card", "toggle", actor, key))
	return s.GetCommandCard(ctx, key)
}

// DeleteCommandCard archives the current row then deletes it. Runs referencing
// the card keep their history; the card itself can be restored via rollback.
func (s *Store) DeleteCommandCard(ctx context.Context, key, actor string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_card_versions
			(card_key, title, description, command_template, args_schema, risk_level, enabled, updated_by, source_updated_at)
		SELECT card_key, title, description, command_template, args_schema, risk_level, enabled, updated_by, updated_at
		FROM command_cards WHERE card_key = $1`, key); err != nil {
		return false, fmt.Errorf("archive before delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM command_cards WHERE card_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete command card: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.audit.Log(ctx, auditOps("command_card", "delete", actor, key))
	}
	return n > 0, nil
}

// ListCardVersions returns archived versions newest-first.
func (s *Store) ListCardVersions(ctx context.Context, key string, limit int) ([]CardVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, card_key, title, description, command_template, args_schema,
		       risk_level, enabled, updated_by, source_updated_at, archived_at
		FROM command_card_versions
		WHERE card_key = $1 ORDER BY version_id DESC LIMIT $2`, key, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list card versions: %w", err)
	}
	defer rows.Close()

	out := []CardVersion{}
	for rows.Next() {
		var (
			v        CardVersion
			schema   sql.NullString
			sourceAt sql.NullTime
		)
		if err := rows.Scan(&v.VersionID, &v.CardKey, &v.Title, &v.Description, &v.CommandTemplate,
			&schema, &v.RiskLevel, &v.Enabled, &v.UpdatedBy, &sourceAt, &v.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan card version: %w", err)
		}
		if schema.Valid && schema.String != "" {
			_ = json.Unmarshal([]byte(schema.String), &v.ArgsSchema)
		}
		if sourceAt.Valid {
			t := sourceAt.Time
			v.SourceUpdatedAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RollbackCommandCard restores an archived version through the normal save
// path. The current state is archived first, so rollback never loses data.
func (s *Store) RollbackCommandCard(ctx context.Context, key string, versionID int64, actor string) (*CommandCard, error) {
	var (
		v      CardVersion
		schema sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT card_key, title, description, command_template, args_schema, risk_level, enabled
		FROM command_card_versions WHERE version_id = $1 AND card_key = $2`,
		versionID, key).
		Scan(&v.CardKey, &v.Title, &v.Description, &v.CommandTemplate, &schema, &v.RiskLevel, &v.Enabled)
	if err != nil {
		return nil, err
	}
	if schema.Valid && schema.String != "" {
		_ = json.Unmarshal([]byte(schema.String), &v.ArgsSchema)
	}

	restored, err := s.SaveCommandCard(ctx, CommandCard{
		CardKey:         v.CardKey,
		Title:           v.Title,
		Description:     v.Description,
		CommandTemplate: v.CommandTemplate,
		ArgsSchema:      v.ArgsSchema,
		RiskLevel:       v.RiskLevel,
		Enabled:         v.Enabled,
		UpdatedBy:       actor,
	})
	if err != nil {
		return nil, err
	}
	s.audit.Log(ctx, auditOps("command_card", "rollback", actor,
		fmt.Sprintf("%s@v%d", key, versionID)))
	return restored, nil
}
