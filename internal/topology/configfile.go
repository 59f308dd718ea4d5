package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/marcus-qen/opsbus/internal/config"
	"gopkg.in/yaml.v3"
)

// LoadTopologyFile reads the current topology YAML. A missing file returns
// (nil, nil).
func LoadTopologyFile(path string) (*Architecture, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	var arch Architecture
	if err := yaml.Unmarshal(data, &arch); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}
	return &arch, nil
}

// WriteTopologyFile backs up the existing file (numbered, keep-N), then writes
// the new topology atomically.
func WriteTopologyFile(path string, arch *Architecture, keepBackups int) error {
	if path == "" {
		return fmt.Errorf("topology path not set")
	}
	if keepBackups > 0 {
		if err := rotateBackups(path, keepBackups); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(arch)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	return config.AtomicWriteFile(path, data, 0o644)
}

// rotateBackups copies the current file to path.bak.<n+1> where n is the
// highest existing backup number, then prunes to the newest keep files.
func rotateBackups(path string, keep int) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	numbers, err := backupNumbers(path)
	if err != nil {
		return err
	}
	next := 1
	if len(numbers) > 0 {
		next = numbers[len(numbers)-1] + 1
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read for backup: %w", err)
	}
	backupPath := fmt.Sprintf("%s.bak.%d", path, next)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	numbers = append(numbers, next)
	for len(numbers) > keep {
		oldest := numbers[0]
		numbers = numbers[1:]
		_ = os.Remove(fmt.Sprintf("%s.bak.%d", path, oldest))
	}
	return nil
}

func backupNumbers(path string) ([]int, error) {
	matches, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(path) + ".bak."
	var numbers []int
	for _, entry := range matches {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), prefix))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}
