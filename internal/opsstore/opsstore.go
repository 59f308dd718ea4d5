// Package opsstore holds the durable agent-ops entities: interactions,
// prompt templates, and command cards with version archiving.
package opsstore

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/marcus-qen/opsbus/internal/audit"
	"go.uber.org/zap"
)

// keyPattern governs every *_key field.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// RiskLevels is the closed risk set for command cards.
var RiskLevels = map[string]bool{
	"low": true, "normal": true, "high": true, "critical": true,
}

// Store wraps the agent-ops tables.
type Store struct {
	db     *sql.DB
	audit  *audit.Store
	logger *zap.Logger
}

func NewStore(db *sql.DB, auditStore *audit.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, audit: auditStore, logger: logger}
}

// ValidateKey checks a *_key field against the key format.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid key %q: must match %s", key, keyPattern.String())
	}
	return nil
}

// NormalizeRisk lowercases and validates a risk level, defaulting to normal.
func NormalizeRisk(risk string) (string, error) {
	risk = strings.ToLower(strings.TrimSpace(risk))
	if risk == "" {
		return "normal", nil
	}
	if !RiskLevels[risk] {
		return "", fmt.Errorf("invalid risk_level %q", risk)
	}
	return risk, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func auditOps(entity, action, actor, target string) audit.Event {
	return audit.Event{
		EventType: entity,
		Action:    action,
		Result:    "ok",
		Actor:     actor,
		Target:    target,
	}
}

func auditInteraction(action, actor string, id int64, detail string) audit.Event {
	return audit.Event{
		EventType: "interaction",
		Action:    action,
		Result:    "ok",
		Actor:     actor,
		Target:    fmt.Sprintf("%d", id),
		Detail:    detail,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
