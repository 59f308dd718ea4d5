// Package store owns the PostgreSQL backing store: connection pool, schema
// bootstrap, ordered migrations, and the SQL guards exposed to agents.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures the pool.
type Options struct {
	// DatabaseURL is a libpq-style connection string.
	DatabaseURL string
	// Schema is the owning schema; all tables live here. Must match
	// ^[A-Za-z_][A-Za-z0-9_]*$.
	Schema string
	// PoolMin / PoolMax bound idle and open connections.
	PoolMin int
	PoolMax int
	// PoolTimeoutSec bounds how long a checkout may wait (connection lifetime
	// is left to the driver).
	PoolTimeoutSec int
}

// Store is the process-wide handle to the database. Construct once with Open,
// close at shutdown.
type Store struct {
	db     *sql.DB
	schema string
	logger *zap.Logger
}

// Open validates options, registers a pgx connection config with search_path
// pinned to the schema, and opens a bounded database/sql pool. It does not
// run migrations; call Migrate for that.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("database url not configured")
	}
	if !schemaNamePattern.MatchString(opts.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", opts.Schema)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	connCfg, err := pgx.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	// Every checked-out connection resolves unqualified names in our schema.
	connCfg.RuntimeParams["search_path"] = opts.Schema

	db := sql.OpenDB(stdlib.GetConnector(*connCfg))
	if opts.PoolMax > 0 {
		db.SetMaxOpenConns(opts.PoolMax)
	}
	if opts.PoolMin > 0 {
		db.SetMaxIdleConns(opts.PoolMin)
	}
	if opts.PoolTimeoutSec > 0 {
		db.SetConnMaxIdleTime(time.Duration(opts.PoolTimeoutSec) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, schema: opts.Schema, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	// Schema name is validated against schemaNamePattern, so identifier
	// interpolation is safe here.
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, s.schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", s.schema, err)
	}
	return nil
}

// DB exposes the underlying pool for the table stores.
func (s *Store) DB() *sql.DB { return s.db }

// Schema returns the owning schema name.
func (s *Store) Schema() string { return s.schema }

// Ping reports round-trip latency for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// ReadOnlyTx begins a read-only transaction. Guarded agent queries run inside
// one so stray writes fail at the database.
func (s *Store) ReadOnlyTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

// Close shuts the pool down. Safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsNotFound reports whether err represents an absent row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
