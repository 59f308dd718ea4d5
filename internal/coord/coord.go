// Package coord provides the lightweight coordination primitives for the
// agent fleet: dependency-ordered tasks, human approvals, and resource
// leases. State lives in JSON files with atomic replace so coordination
// survives database outages.
package coord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus-qen/opsbus/internal/config"
	"github.com/marcus-qen/opsbus/internal/events"
	"go.uber.org/zap"
)

// Store owns the coordination files under one directory. All mutations hold
// the process mutex and write through atomic replace.
type Store struct {
	mu     sync.Mutex
	dir    string
	bus    *events.Bus
	logger *zap.Logger
}

func NewStore(dir string, bus *events.Bus, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("coordination dir not set")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create coordination dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, bus: bus, logger: logger}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// loadFile decodes a JSON state file into out. A missing file leaves out at
// its zero value.
func (s *Store) loadFile(name string, out any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (s *Store) saveFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := config.AtomicWriteFile(s.path(name), data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) publish(scope, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("sync", map[string]any{"scope": []string{scope}, "reason": reason})
}
