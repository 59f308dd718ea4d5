// Package sharedfile is the path-keyed blob store for inter-agent artifacts.
package sharedfile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/opsbus/internal/audit"
)

// File is one stored artifact.
type File struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is a listing row (content omitted, size reported instead).
type Entry struct {
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists files in shared_files. Writes emit audit events.
type Store struct {
	db    *sql.DB
	audit *audit.Store
}

func NewStore(db *sql.DB, auditStore *audit.Store) *Store {
	return &Store{db: db, audit: auditStore}
}

// NormalizePath folds backslashes to slashes, collapses repeats, and strips
// leading/trailing slashes. Empty or dot-only paths are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	parts := strings.Split(p, "/")
	cleaned := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return "", fmt.Errorf("path must not contain ..")
		}
		cleaned = append(cleaned, part)
	}
	if len(cleaned) == 0 {
		return "", fmt.Errorf("empty path")
	}
	return strings.Join(cleaned, "/"), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// Write upserts a file by normalized path.
func (s *Store) Write(ctx context.Context, path, content, updatedBy string) (string, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shared_files (path, content, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (path) DO UPDATE SET
			content    = EXCLUDED.content,
			updated_by = EXCLUDED.updated_by,
			updated_at = now()`,
		normalized, content, updatedBy)
	if err != nil {
		return "", fmt.Errorf("write shared file: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		EventType: "shared_file",
		Action:    "write",
		Result:    "ok",
		Actor:     updatedBy,
		Target:    normalized,
		Detail:    fmt.Sprintf("%d bytes", len(content)),
	})
	return normalized, nil
}

// Read returns the file at the normalized path. sql.ErrNoRows when absent.
func (s *Store) Read(ctx context.Context, path string) (*File, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	var f File
	err = s.db.QueryRowContext(ctx, `
		SELECT path, content, updated_by, created_at, updated_at
		FROM shared_files WHERE path = $1`, normalized).
		Scan(&f.Path, &f.Content, &f.UpdatedBy, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// List returns entries under a prefix, newest-first. Empty prefix lists all.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	q := `SELECT path, length(content), updated_by, updated_at FROM shared_files`
	args := []any{}
	if prefix != "" {
		normalized, err := NormalizePath(prefix)
		if err != nil {
			return nil, err
		}
		args = append(args, escapeLike(normalized)+"%")
		q += ` WHERE path LIKE $1 ESCAPE '\'`
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list shared files: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Size, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan shared file: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a file and reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, path, actor string) (bool, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM shared_files WHERE path = $1`, normalized)
	if err != nil {
		return false, fmt.Errorf("delete shared file: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.audit.Log(ctx, audit.Event{
			EventType: "shared_file",
			Action:    "delete",
			Result:    "ok",
			Actor:     actor,
			Target:    normalized,
		})
	}
	return n > 0, nil
}
