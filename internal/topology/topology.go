// Package topology implements the fleet-topology approval state machine:
// dedup on architecture hash, TTL expiry, guarded single-winner transitions,
// and archival of completed rows.
package topology

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/marcus-qen/opsbus/internal/audit"
	"github.com/marcus-qen/opsbus/internal/events"
	"go.uber.org/zap"
)

// Approval status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

const ttlFloor = 30 * time.Second

// IDPattern is the only accepted approval-id shape.
var IDPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// Agent is one worker in a gateway.
type Agent struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Gateway groups agents under one terminal host.
type Gateway struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	Agents []Agent `json:"agents" yaml:"agents"`
}

// Architecture is the declared fleet shape.
type Architecture struct {
	Gateways []Gateway `json:"gateways" yaml:"gateways"`
}

// Validate enforces the minimal architecture shape.
func (a *Architecture) Validate() error {
	if len(a.Gateways) == 0 {
		return fmt.Errorf("architecture must declare at least one gateway")
	}
	for i, gw := range a.Gateways {
		if gw.ID == "" {
			return fmt.Errorf("gateway %d has empty id", i)
		}
		if len(gw.Agents) == 0 {
			return fmt.Errorf("gateway %q must declare at least one agent", gw.ID)
		}
		for j, agent := range gw.Agents {
			if agent.ID == "" {
				return fmt.Errorf("gateway %q agent %d has empty id", gw.ID, j)
			}
		}
	}
	return nil
}

// ArchHash is the canonical-JSON SHA-256 of an architecture. The value is
// re-marshaled through a generic map so key order cannot affect the hash.
func ArchHash(a *Architecture) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal architecture: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize architecture: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize architecture: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NewID returns a 16-lowercase-hex approval id.
func NewID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Approval is one proposed topology change.
type Approval struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	RequestedBy  string        `json:"requested_by"`
	Reason       string        `json:"reason"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpireAt     time.Time     `json:"expire_at"`
	ReviewedAt   *time.Time    `json:"reviewed_at,omitempty"`
	Reviewer     string        `json:"reviewer,omitempty"`
	ReviewNote   string        `json:"review_note,omitempty"`
	ArchHash     string        `json:"arch_hash"`
	Architecture *Architecture `json:"proposed_architecture"`
}

// Config tunes the engine.
type Config struct {
	// TTL for pending approvals, floored at 30s.
	TTL time.Duration
	// ArchiveAfter moves completed rows to the archive table.
	ArchiveAfter time.Duration
	// ConfigPath is the YAML topology file written on approve.
	ConfigPath string
	// Backups keeps the N most recent numbered backups (0 disables).
	Backups int
}

// Engine is the approval state machine over topology_approvals.
type Engine struct {
	db     *sql.DB
	audit  *audit.Store
	bus    *events.Bus
	logger *zap.Logger
	cfg    Config
}

func NewEngine(db *sql.DB, auditStore *audit.Store, bus *events.Bus, cfg Config, logger *zap.Logger) *Engine {
	if cfg.TTL < ttlFloor {
		cfg.TTL = ttlFloor
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, audit: auditStore, bus: bus, logger: logger, cfg: cfg}
}

// CreateResult reports create outcome.
type CreateResult struct {
	OK       bool      `json:"ok"`
	Reason   string    `json:"reason,omitempty"`
	Deduped  bool      `json:"deduped,omitempty"`
	Approval *Approval `json:"approval,omitempty"`
}

// Create validates and inserts a pending approval. An architecture identical
// to the current topology is refused with reason no_change; a pending row
// with the same hash is returned with deduped set.
func (e *Engine) Create(ctx context.Context, arch *Architecture, requestedBy, reason string) (*CreateResult, error) {
	if arch == nil {
		return nil, fmt.Errorf("proposed architecture is required")
	}
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	hash, err := ArchHash(arch)
	if err != nil {
		return nil, err
	}

	current, err := LoadTopologyFile(e.cfg.ConfigPath)
	if err == nil && current != nil {
		currentHash, hashErr := ArchHash(current)
		if hashErr == nil && currentHash == hash {
			return &CreateResult{OK: false, Reason: "no_change"}, nil
		}
	}

	// Dedup against an existing pending row with the same hash.
	existing, err := e.findPendingByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CreateResult{OK: true, Deduped: true, Approval: existing}, nil
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}
	archJSON, err := json.Marshal(arch)
	if err != nil {
		return nil, fmt.Errorf("marshal architecture: %w", err)
	}
	expireAt := time.Now().UTC().Add(e.cfg.TTL)

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO topology_approvals
			(id, status, requested_by, reason, expire_at, arch_hash, proposed_architecture)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, StatusPending, requestedBy, reason, expireAt, hash, string(archJSON))
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	e.audit.Log(ctx, audit.Event{
		EventType: "topology",
		Action:    "create",
		Result:    StatusPending,
		Actor:     requestedBy,
		Target:    id,
		Detail:    reason,
	})
	e.publish("create")

	approval, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CreateResult{OK: true, Approval: approval}, nil
}

func (e *Engine) findPendingByHash(ctx context.Context, hash string) (*Approval, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM topology_approvals
		WHERE arch_hash = $1 AND status = $2 AND expire_at >= now()
		ORDER BY created_at DESC LIMIT 1`, hash, StatusPending)
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending by hash: %w", err)
	}
	return approval, nil
}

const approvalColumns = `id, status, requested_by, reason, created_at, expire_at,
	reviewed_at, reviewer, review_note, arch_hash, proposed_architecture`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a          Approval
		reviewedAt sql.NullTime
		archJSON   []byte
	)
	err := row.Scan(&a.ID, &a.Status, &a.RequestedBy, &a.Reason, &a.CreatedAt, &a.ExpireAt,
		&reviewedAt, &a.Reviewer, &a.ReviewNote, &a.ArchHash, &archJSON)
	if err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	if len(archJSON) > 0 {
		a.Architecture = &Architecture{}
		_ = json.Unmarshal(archJSON, a.Architecture)
	}
	return &a, nil
}

func (e *Engine) load(ctx context.Context, id string) (*Approval, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM topology_approvals WHERE id = $1`, id)
	return scanApproval(row)
}

// Get returns one approval after running the expiry and archive sweeps. The
// id shape is validated before any database access.
func (e *Engine) Get(ctx context.Context, id string) (*Approval, error) {
	if !IDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid approval id %q", id)
	}
	if err := e.Sweep(ctx); err != nil {
		e.logger.Warn("approval sweep failed", zap.Error(err))
	}
	approval, err := e.load(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	return approval, err
}

// List returns approvals newest-first after the sweeps. Empty status means
// all.
func (e *Engine) List(ctx context.Context, status string, limit int) ([]Approval, error) {
	if err := e.Sweep(ctx); err != nil {
		e.logger.Warn("approval sweep failed", zap.Error(err))
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	q := `SELECT ` + approvalColumns + ` FROM topology_approvals`
	args := []any{}
	if status != "" {
		args = append(args, status)
		q += " WHERE status = $1"
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := []Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Sweep expires stale pending rows, then archives completed rows older than
// the archive window. The archive move is a single statement so a row can
// never exist half-moved.
func (e *Engine) Sweep(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, `
		UPDATE topology_approvals SET status = $1, reviewed_at = now()
		WHERE status = $2 AND expire_at < now()`,
		StatusExpired, StatusPending); err != nil {
		return fmt.Errorf("expire stale approvals: %w", err)
	}

	cutoff := time.Now().UTC().Add(-e.cfg.ArchiveAfter)
	if _, err := e.db.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM topology_approvals
			WHERE status IN ($1, $2, $3) AND reviewed_at IS NOT NULL AND reviewed_at < $4
			RETURNING id, status, requested_by, reason, created_at, expire_at,
			          reviewed_at, reviewer, review_note, arch_hash, proposed_architecture
		)
		INSERT INTO topology_approval_archives
			(id, status, requested_by, reason, created_at, expire_at,
			 reviewed_at, reviewer, review_note, arch_hash, proposed_architecture)
		SELECT * FROM moved
		ON CONFLICT (id) DO NOTHING`,
		StatusApproved, StatusRejected, StatusExpired, cutoff); err != nil {
		return fmt.Errorf("archive completed approvals: %w", err)
	}
	return nil
}

// Approve attempts the guarded pending→approved transition. Exactly one
// concurrent caller wins; losers get a state error. On success the approved
// topology is written to the config file (with backup).
func (e *Engine) Approve(ctx context.Context, id, reviewer, note string) (*Approval, error) {
	approval, err := e.transition(ctx, id, StatusApproved, reviewer, note)
	if err != nil {
		return nil, err
	}

	if e.cfg.ConfigPath != "" && approval.Architecture != nil {
		if err := WriteTopologyFile(e.cfg.ConfigPath, approval.Architecture, e.cfg.Backups); err != nil {
			e.logger.Error("topology config write failed", zap.String("id", id), zap.Error(err))
			return nil, fmt.Errorf("approval recorded but config write failed: %w", err)
		}
	}

	e.audit.Log(ctx, audit.Event{
		EventType: "topology",
		Action:    "approve",
		Result:    StatusApproved,
		Actor:     reviewer,
		Target:    id,
		Detail:    note,
	})
	e.publish("approve")
	return approval, nil
}

// Reject is symmetric to Approve minus the config write.
func (e *Engine) Reject(ctx context.Context, id, reviewer, note string) (*Approval, error) {
	approval, err := e.transition(ctx, id, StatusRejected, reviewer, note)
	if err != nil {
		return nil, err
	}
	e.audit.Log(ctx, audit.Event{
		EventType: "topology",
		Action:    "reject",
		Result:    StatusRejected,
		Actor:     reviewer,
		Target:    id,
		Detail:    note,
	})
	e.publish("reject")
	return approval, nil
}

// transition runs the single guarded UPDATE. When it returns no row, the same
// id is expired in-transaction if stale, and the caller gets an error naming
// the actual state.
func (e *Engine) transition(ctx context.Context, id, next, reviewer, note string) (*Approval, error) {
	if !IDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid approval id %q", id)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE topology_approvals
		SET status = $1, reviewer = $2, review_note = $3, reviewed_at = now()
		WHERE id = $4 AND status = $5 AND expire_at >= now()
		RETURNING `+approvalColumns,
		next, reviewer, note, id, StatusPending)
	approval, err := scanApproval(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transition: %w", err)
		}
		return approval, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition approval: %w", err)
	}

	// Guard lost. Expire in the same transaction if stale, then report the
	// actual state.
	if _, err := tx.ExecContext(ctx, `
		UPDATE topology_approvals SET status = $1, reviewed_at = now()
		WHERE id = $2 AND status = $3 AND expire_at < now()`,
		StatusExpired, id, StatusPending); err != nil {
		return nil, fmt.Errorf("expire stale approval: %w", err)
	}

	var state string
	err = tx.QueryRowContext(ctx, `SELECT status FROM topology_approvals WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read approval state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}

	if state == StatusExpired {
		return nil, fmt.Errorf("审批单状态不可操作: %s (expired)", id)
	}
	return nil, fmt.Errorf("审批单状态不可操作: %s (invalid_state %s)", id, state)
}

func (e *Engine) publish(reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish("sync", map[string]any{"scope": []string{"approvals"}, "reason": reason})
}
