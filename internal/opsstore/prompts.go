package opsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PromptTemplate is one reusable agent prompt.
type PromptTemplate struct {
	PromptKey  string         `json:"prompt_key"`
	Title      string         `json:"title"`
	AgentKey   string         `json:"agent_key"`
	ToolName   string         `json:"tool_name"`
	PromptText string         `json:"prompt_text"`
	Variables  map[string]any `json:"variables,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Enabled    bool           `json:"enabled"`
	CreatedBy  string         `json:"created_by"`
	UpdatedBy  string         `json:"updated_by"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PromptVersion is an archived pre-save state.
type PromptVersion struct {
	VersionID       int64      `json:"version_id"`
	PromptKey       string     `json:"prompt_key"`
	Title           string     `json:"title"`
	AgentKey        string     `json:"agent_key"`
	ToolName        string     `json:"tool_name"`
	PromptText      string     `json:"prompt_text"`
	Variables       map[string]any `json:"variables,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Enabled         bool       `json:"enabled"`
	UpdatedBy       string     `json:"updated_by"`
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`
	ArchivedAt      time.Time  `json:"archived_at"`
}

func marshalJSONColumn(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// SavePromptTemplate upserts by key; if a row exists, its pre-save state is
// archived into prompt_template_versions first. Archiving happens even when
// the new content is identical.
func (s *Store) SavePromptTemplate(ctx context.Context, pt PromptTemplate) (*PromptTemplate, error) {
	if err := ValidateKey(pt.PromptKey); err != nil {
		return nil, err
	}
	if pt.PromptText == "" {
		return nil, fmt.Errorf("prompt_text is required")
	}

	variables, err := marshalJSONColumn(pt.Variables)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	tags, err := marshalJSONColumn(pt.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Archive the prior row, if any.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prompt_template_versions
			(prompt_key, title, agent_key, tool_name, prompt_text, variables, tags, enabled, updated_by, source_updated_at)
		SELECT prompt_key, title, agent_key, tool_name, prompt_text, variables, tags, enabled, updated_by, updated_at
		FROM prompt_templates WHERE prompt_key = $1`, pt.PromptKey); err != nil {
		return nil, fmt.Errorf("archive prompt template: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prompt_templates
			(prompt_key, title, agent_key, tool_name, prompt_text, variables, tags, enabled, created_by, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (prompt_key) DO UPDATE SET
			title       = EXCLUDED.title,
			agent_key   = EXCLUDED.agent_key,
			tool_name   = EXCLUDED.tool_name,
			prompt_text = EXCLUDED.prompt_text,
			variables   = EXCLUDED.variables,
			tags        = EXCLUDED.tags,
			enabled     = EXCLUDED.enabled,
			updated_by  = EXCLUDED.updated_by,
			updated_at  = now()`,
		pt.PromptKey, pt.Title, pt.AgentKey, pt.ToolName, pt.PromptText,
		variables, tags, pt.Enabled, pt.CreatedBy, pt.UpdatedBy); err != nil {
		return nil, fmt.Errorf("save prompt template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	s.audit.Log(ctx, auditOps("prompt_template", "save", pt.UpdatedBy, pt.PromptKey))
	return s.GetPromptTemplate(ctx, pt.PromptKey)
}

func scanPromptTemplate(row rowScanner) (*PromptTemplate, error) {
	var (
		pt        PromptTemplate
		variables sql.NullString
		tags      sql.NullString
	)
	err := row.Scan(&pt.PromptKey, &pt.Title, &pt.AgentKey, &pt.ToolName, &pt.PromptText,
		&variables, &tags, &pt.Enabled, &pt.CreatedBy, &pt.UpdatedBy, &pt.CreatedAt, &pt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if variables.Valid && variables.String != "" {
		_ = json.Unmarshal([]byte(variables.String), &pt.Variables)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &pt.Tags)
	}
	return &pt, nil
}

// GetPromptTemplate loads one template by key.
func (s *Store) GetPromptTemplate(ctx context.Context, key string) (*PromptTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT prompt_key, title, agent_key, tool_name, prompt_text, variables, tags,
		       enabled, created_by, updated_by, created_at, updated_at
		FROM prompt_templates WHERE prompt_key = $1`, key)
	return scanPromptTemplate(row)
}

// ListPromptTemplates returns templates newest-first. keyword searches
// key + title + body + tags case-insensitively.
func (s *Store) ListPromptTemplates(ctx context.Context, agentKey, keyword string, enabledOnly bool, limit int) ([]PromptTemplate, error) {
	var (
		where []string
		args  []any
	)
	if agentKey != "" {
		args = append(args, agentKey)
		where = append(where, fmt.Sprintf("agent_key = $%d", len(args)))
	}
	if enabledOnly {
		where = append(where, "enabled")
	}
	if keyword != "" {
		args = append(args, "%"+escapeLike(keyword)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			`(prompt_key ILIKE $%d ESCAPE '\' OR title ILIKE $%d ESCAPE '\' OR prompt_text ILIKE $%d ESCAPE '\' OR tags::text ILIKE $%d ESCAPE '\')`,
			n, n, n, n))
	}

	q := `SELECT prompt_key, title, agent_key, tool_name, prompt_text, variables, tags,
		enabled, created_by, updated_by, created_at, updated_at FROM prompt_templates`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(limit))
	q += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompt templates: %w", err)
	}
	defer rows.Close()

	out := []PromptTemplate{}
	for rows.Next() {
		pt, err := scanPromptTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt template: %w", err)
		}
		out = append(out, *pt)
	}
	return out, rows.Err()
}

// TogglePromptTemplate flips or sets enabled.
func (s *Store) TogglePromptTemplate(ctx context.Context, key string, enabled bool, actor string) (*PromptTemplate, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_templates SET enabled = $1, updated_by = $2, updated_at = now()
		WHERE prompt_key = $3`, enabled, actor, key)
	if err != nil {
		return nil, fmt.Errorf("toggle prompt template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}
	s.audit.Log(ctx, auditOps("prompt_template", "toggle", actor, key))
	return s.GetPromptTemplate(ctx, key)
}

// ListPromptVersions returns archived versions newest-first.
func (s *Store) ListPromptVersions(ctx context.Context, key string, limit int) ([]PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, prompt_key, title, agent_key, tool_name, prompt_text,
		       variables, tags, enabled, updated_by, source_updated_at, archived_at
		FROM prompt_template_versions
		WHERE prompt_key = $1 ORDER BY version_id DESC LIMIT $2`, key, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	defer rows.Close()

	out := []PromptVersion{}
	for rows.Next() {
		var (
			v         PromptVersion
			variables sql.NullString
			tags      sql.NullString
			sourceAt  sql.NullTime
		)
		if err := rows.Scan(&v.VersionID, &v.PromptKey, &v.Title, &v.AgentKey, &v.ToolName,
			&v.PromptText, &variables, &tags, &v.Enabled, &v.UpdatedBy, &sourceAt, &v.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan prompt version: %w", err)
		}
		if variables.Valid && variables.String != "" {
			_ = json.Unmarshal([]byte(variables.String), &v.Variables)
		}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &v.Tags)
		}
		if sourceAt.Valid {
			t := sourceAt.Time
			v.SourceUpdatedAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RollbackPromptTemplate writes an archived version back through the normal
// save path, producing a fresh version of the current row. Not destructive.
func (s *Store) RollbackPromptTemplate(ctx context.Context, key string, versionID int64, actor string) (*PromptTemplate, error) {
	var (
		v         PromptVersion
		variables sql.NullString
		tags      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT prompt_key, title, agent_key, tool_name, prompt_text, variables, tags, enabled
		FROM prompt_template_versions WHERE version_id = $1 AND prompt_key = $2`,
		versionID, key).
		Scan(&v.PromptKey, &v.Title, &v.AgentKey, &v.ToolName, &v.PromptText, &variables, &tags, &v.Enabled)
	if err != nil {
		return nil, err
	}
	if variables.Valid && variables.String != "" {
		_ = json.Unmarshal([]byte(variables.String), &v.Variables)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &v.Tags)
	}

	restored, err := s.SavePromptTemplate(ctx, PromptTemplate{
		PromptKey:  v.PromptKey,
		Title:      v.Title,
		AgentKey:   v.AgentKey,
		ToolName:   v.ToolName,
		PromptText: v.PromptText,
		Variables:  v.Variables,
		Tags:       v.Tags,
		Enabled:    v.Enabled,
		UpdatedBy:  actor,
	})
	if err != nil {
		return nil, err
	}
	s.audit.Log(ctx, auditOps("prompt_template", "rollback", actor,
		fmt.Sprintf("%s@v%d", key, versionID)))
	return restored, nil
}
