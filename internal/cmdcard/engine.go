package cmdcard

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/marcus-qen/opsbus/internal/audit"
	"github.com/marcus-qen/opsbus/internal/events"
	"github.com/marcus-qen/opsbus/internal/metrics"
	"github.com/marcus-qen/opsbus/internal/opsstore"
	"go.uber.org/zap"
)

// Run status values.
const (
	StatusPendingReview = "pending_review"
	StatusReady         = "ready"
	StatusRunning       = "running"
	StatusSuccess       = "success"
	StatusFailed        = "failed"
	StatusRejected      = "rejected"
)

// Exit codes for abnormal outcomes.
const (
	ExitNotFound        = 127
	ExitTimeout         = -1
	ExitInvalidCommand  = -2
	ExitTimeoutRecovery = -3
)

// Timeout and output-cap clamps.
const (
	timeoutMin        = 1
	timeoutMax        = 3600
	timeoutDefault    = 120
	outputCapMin      = 200
	outputCapMax      = 200000
	outputCapDefault  = 20000
	recoveryFloorMins = 5
)

// Run is one command-card run row.
type Run struct {
	ID              int64          `json:"id"`
	CardKey         string         `json:"card_key"`
	RequestedBy     string         `json:"requested_by"`
	Params          map[string]any `json:"params,omitempty"`
	RenderedCommand string         `json:"rendered_command"`
	RiskLevel       string         `json:"risk_level"`
	Status          string         `json:"status"`
	RequiresReview  bool           `json:"requires_review"`
	InteractionID   *int64         `json:"interaction_id,omitempty"`
	Output          string         `json:"output"`
	Error           string         `json:"error"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ExecutedAt      *time.Time     `json:"executed_at,omitempty"`
}

// ExecutionMode reported to callers: direct when the run never needed review.
func (r *Run) ExecutionMode() string {
	if r.RequiresReview {
		return "reviewed"
	}
	return "direct"
}

// Config tunes the engine.
type Config struct {
	// DefaultTimeoutSec applies when the caller supplies none. Clamped to
	// [1, 3600].
	DefaultTimeoutSec int
	// OutputLimit caps captured output, clamped to [200, 200000]. The
	// trailing window is kept.
	OutputLimit int
	// ExecEnabled gates execute entirely (config flag).
	ExecEnabled bool
}

// Engine drives the prepare → review → execute pipeline.
type Engine struct {
	db     *sql.DB
	ops    *opsstore.Store
	audit  *audit.Store
	bus    *events.Bus
	logger *zap.Logger
	cfg    Config
}

func NewEngine(db *sql.DB, ops *opsstore.Store, auditStore *audit.Store, bus *events.Bus, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, ops: ops, audit: auditStore, bus: bus, logger: logger, cfg: cfg}
}

func clampTimeout(sec int) int {
	if sec <= 0 {
		sec = timeoutDefault
	}
	if sec < timeoutMin {
		return timeoutMin
	}
	if sec > timeoutMax {
		return timeoutMax
	}
	return sec
}

func clampOutputCap(limit int) int {
	if limit <= 0 {
		limit = outputCapDefault
	}
	if limit < outputCapMin {
		return outputCapMin
	}
	if limit > outputCapMax {
		return outputCapMax
	}
	return limit
}

// truncateOutput keeps the trailing window of combined output.
func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "...[truncated]\n" + s[len(s)-limit:]
}

// PrepareResult is the prepare-phase outcome.
type PrepareResult struct {
	Run               *Run                  `json:"run"`
	Interaction       *opsstore.Interaction `json:"interaction,omitempty"`
	NeedsReview       bool                  `json:"needs_review"`
	DangerousPatterns []string              `json:"dangerous_patterns,omitempty"`
}

// Prepare loads a card, validates and renders params, gates on risk, and
// inserts the run row (plus a linked review interaction when review is
// needed). requireReview overrides the computed gate when non-nil.
func (e *Engine) Prepare(ctx context.Context, cardKey string, rawParams any, requestedBy string, requireReview *bool) (*PrepareResult, error) {
	card, err := e.ops.GetCommandCard(ctx, cardKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("command card %q not found", cardKey)
		}
		return nil, err
	}
	if !card.Enabled {
		return nil, fmt.Errorf("command card %q is disabled", cardKey)
	}

	params, err := ParseParams(rawParams)
	if err != nil {
		return nil, err
	}
	if err := ValidateParams(card.ArgsSchema, params); err != nil {
		return nil, err
	}

	rendered, err := RenderTemplate(card.CommandTemplate, params)
	if err != nil {
		return nil, err
	}

	dangerous := ScanDangerous(rendered)
	needsReview := card.RiskLevel == "high" || card.RiskLevel == "critical" || len(dangerous) > 0
	if requireReview != nil {
		needsReview = *requireReview
	}

	status := StatusReady
	if needsReview {
		status = StatusPendingReview
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	var runID int64
	err = e.db.QueryRowContext(ctx, `
		INSERT INTO command_card_runs
			(card_key, requested_by, params, rendered_command, risk_level, status, requires_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		cardKey, requestedBy, string(paramsJSON), rendered, card.RiskLevel, status, needsReview).
		Scan(&runID)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	result := &PrepareResult{NeedsReview: needsReview, DangerousPatterns: dangerous}

	if needsReview {
		interaction, err := e.ops.CreateInteraction(ctx, opsstore.Interaction{
			Sender:         requestedBy,
			Receiver:       "human",
			MsgType:        "command_card_review",
			RequiresReview: true,
			Payload: map[string]any{
				"run_id":             runID,
				"card_key":           cardKey,
				"risk_level":         card.RiskLevel,
				"rendered_command":   rendered,
				"dangerous_patterns": dangerous,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create review interaction: %w", err)
		}
		if _, err := e.db.ExecContext(ctx,
			`UPDATE command_card_runs SET interaction_id = $1, updated_at = now() WHERE id = $2`,
			interaction.ID, runID); err != nil {
			return nil, fmt.Errorf("link interaction: %w", err)
		}
		result.Interaction = interaction
	}

	e.audit.Log(ctx, audit.Event{
		EventType: "command_card",
		Action:    "prepare",
		Result:    status,
		Actor:     requestedBy,
		Target:    cardKey,
		Detail:    rendered,
		Extra:     map[string]any{"run_id": runID, "dangerous_patterns": dangerous},
	})
	e.publish("command_card_runs", "prepare")

	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	result.Run = run
	return result, nil
}

// Review transitions a pending run to ready or rejected, keeping the linked
// interaction in lockstep. decision must be approved or rejected.
func (e *Engine) Review(ctx context.Context, runID int64, decision, reviewer, note string) (*Run, error) {
	if decision != "approved" && decision != "rejected" {
		return nil, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}

	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	next := StatusReady
	if decision == "rejected" {
		next = StatusRejected
	}

	var updated string
	err = e.db.QueryRowContext(ctx, `
		UPDATE command_card_runs SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
		RETURNING status`,
		next, runID, StatusPendingReview).Scan(&updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %d is %s, not %s", runID, run.Status, StatusPendingReview)
		}
		return nil, fmt.Errorf("review run: %w", err)
	}

	if run.InteractionID != nil {
		if err := e.ops.SetInteractionStatus(ctx, *run.InteractionID, decision, reviewer, note); err != nil {
			e.logger.Warn("interaction status update failed",
				zap.Int64("interaction_id", *run.InteractionID), zap.Error(err))
		}
	}

	e.audit.Log(ctx, audit.Event{
		EventType: "command_card",
		Action:    "review",
		Result:    decision,
		Actor:     reviewer,
		Target:    run.CardKey,
		Detail:    note,
		Extra:     map[string]any{"run_id": runID},
	})
	e.publish("command_card_runs", "review")
	return e.GetRun(ctx, runID)
}

// Execute runs a ready (or previously failed) run. It sweeps stale running
// rows first, enforces the review gate, and persists the outcome.
func (e *Engine) Execute(ctx context.Context, runID int64, actor string, timeoutSec int) (*Run, error) {
	if !e.cfg.ExecEnabled {
		return nil, fmt.Errorf("command card execution is disabled")
	}
	if _, err := e.RecoverStaleRuns(ctx); err != nil {
		e.logger.Warn("stale run recovery failed", zap.Error(err))
	}

	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case StatusPendingReview:
		return nil, fmt.Errorf("run %d is pending review", runID)
	case StatusRejected:
		return nil, fmt.Errorf("run %d was rejected", runID)
	case StatusSuccess:
		return run, nil
	}

	// Guarded claim: only one executor wins.
	var claimed string
	err = e.db.QueryRowContext(ctx, `
		UPDATE command_card_runs SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ($3, $4)
		RETURNING status`,
		StatusRunning, runID, StatusReady, StatusFailed).Scan(&claimed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, _ := e.GetRun(ctx, runID)
			state := "unknown"
			if current != nil {
				state = current.Status
			}
			return nil, fmt.Errorf("run %d is %s, cannot execute", runID, state)
		}
		return nil, fmt.Errorf("claim run: %w", err)
	}

	timeout := clampTimeout(timeoutSec)
	if timeoutSec <= 0 {
		timeout = clampTimeout(e.cfg.DefaultTimeoutSec)
	}
	outputCap := clampOutputCap(e.cfg.OutputLimit)

	started := time.Now()
	output, errText, exitCode := e.runProcess(ctx, run.RenderedCommand, timeout, outputCap)

	status := StatusFailed
	if exitCode == 0 {
		status = StatusSuccess
	}
	metrics.ObserveCardRun(run.CardKey, status, started)
	if _, err := e.db.ExecContext(ctx, `
		UPDATE command_card_runs
		SET status = $1, output = $2, error = $3, exit_code = $4, executed_at = now(), updated_at = now()
		WHERE id = $5`,
		status, output, errText, exitCode, runID); err != nil {
		return nil, fmt.Errorf("persist run outcome: %w", err)
	}

	e.audit.Log(ctx, audit.Event{
		EventType: "command_card",
		Action:    "execute",
		Result:    status,
		Actor:     actor,
		Target:    run.CardKey,
		Detail:    run.RenderedCommand,
		Extra:     map[string]any{"run_id": runID, "exit_code": exitCode},
	})
	e.publish("command_card_runs", "execute")
	return e.GetRun(ctx, runID)
}

// runProcess tokenizes and executes the rendered command without a shell.
func (e *Engine) runProcess(ctx context.Context, rendered string, timeoutSec, outputCap int) (output, errText string, exitCode int) {
	argv, err := SplitShellWords(rendered)
	if err != nil || len(argv) == 0 {
		return "", "[invalid_command]", ExitInvalidCommand
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output = truncateOutput(strings.TrimRight(stdout.String(), "\n"), outputCap)
	errText = truncateOutput(strings.TrimRight(stderr.String(), "\n"), outputCap)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		marker := fmt.Sprintf("[timeout] command exceeded %ds", timeoutSec)
		if errText != "" {
			errText += "\n"
		}
		errText += marker
		return output, errText, ExitTimeout
	case runErr == nil:
		return output, errText, 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return output, errText, exitErr.ExitCode()
		}
		// Binary missing or not executable.
		if errText != "" {
			errText += "\n"
		}
		errText += "[not_found] " + runErr.Error()
		return output, errText, ExitNotFound
	}
}

// RecoverStaleRuns fails rows stuck in running longer than
// max(2×timeout, 5min). Returns the number of rows recovered.
func (e *Engine) RecoverStaleRuns(ctx context.Context) (int64, error) {
	window := 2 * time.Duration(clampTimeout(e.cfg.DefaultTimeoutSec)) * time.Second
	if floor := recoveryFloorMins * time.Minute; window < floor {
		window = floor
	}
	cutoff := time.Now().UTC().Add(-window)

	res, err := e.db.ExecContext(ctx, `
		UPDATE command_card_runs
		SET status = $1, exit_code = $2, error = '[timeout_recovery] run exceeded recovery window',
		    executed_at = COALESCE(executed_at, now()), updated_at = now()
		WHERE status = $3 AND updated_at < $4`,
		StatusFailed, ExitTimeoutRecovery, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.audit.Log(ctx, audit.Event{
			EventType: "command_card",
			Action:    "recover",
			Result:    "ok",
			Actor:     "system",
			Detail:    fmt.Sprintf("recovered %d stale runs", n),
		})
		e.logger.Warn("recovered stale runs", zap.Int64("count", n))
	}
	return n, nil
}

// ExecuteResult is the one-shot wrapper outcome.
type ExecuteResult struct {
	Run           *Run                  `json:"run"`
	Interaction   *opsstore.Interaction `json:"interaction,omitempty"`
	PendingReview bool                  `json:"pending_review"`
	ExecutionMode string                `json:"execution_mode,omitempty"`
}

// ExecuteCard is the one-shot prepare → (auto-approve) → execute wrapper.
// Auto-approve is capped: high/critical risk and dangerous commands always
// stay pending regardless of the flag.
func (e *Engine) ExecuteCard(ctx context.Context, cardKey string, rawParams any, requestedBy string, autoApprove bool, reviewer, reviewNote string, timeoutSec int) (*ExecuteResult, error) {
	prep, err := e.Prepare(ctx, cardKey, rawParams, requestedBy, nil)
	if err != nil {
		return nil, err
	}

	if prep.NeedsReview {
		risk := prep.Run.RiskLevel
		barred := risk == "high" || risk == "critical" || len(prep.DangerousPatterns) > 0
		if !autoApprove || barred {
			return &ExecuteResult{
				Run:           prep.Run,
				Interaction:   prep.Interaction,
				PendingReview: true,
			}, nil
		}
		if reviewer == "" {
			reviewer = requestedBy
		}
		if _, err := e.Review(ctx, prep.Run.ID, "approved", reviewer, reviewNote); err != nil {
			return nil, err
		}
	}

	run, err := e.Execute(ctx, prep.Run.ID, requestedBy, timeoutSec)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		Run:           run,
		Interaction:   prep.Interaction,
		ExecutionMode: run.ExecutionMode(),
	}, nil
}

func (e *Engine) publish(scope, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish("sync", map[string]any{"scope": []string{scope}, "reason": reason})
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run           Run
		params        sql.NullString
		interactionID sql.NullInt64
		exitCode      sql.NullInt64
		executedAt    sql.NullTime
	)
	err := row.Scan(&run.ID, &run.CardKey, &run.RequestedBy, &params, &run.RenderedCommand,
		&run.RiskLevel, &run.Status, &run.RequiresReview, &interactionID,
		&run.Output, &run.Error, &exitCode, &run.CreatedAt, &run.UpdatedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &run.Params)
	}
	if interactionID.Valid {
		run.InteractionID = &interactionID.Int64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if executedAt.Valid {
		t := executedAt.Time
		run.ExecutedAt = &t
	}
	return &run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, card_key, requested_by, params, rendered_command, risk_level, status,
	requires_review, interaction_id, output, error, exit_code, created_at, updated_at, executed_at`

// GetRun loads one run by id.
func (e *Engine) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM command_card_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %d not found", id)
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by card and status.
func (e *Engine) ListRuns(ctx context.Context, cardKey, status string, limit int) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if cardKey != "" {
		args = append(args, cardKey)
		where = append(where, fmt.Sprintf("card_key = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	q := `SELECT ` + runColumns + ` FROM command_card_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}
