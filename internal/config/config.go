// Package config provides configuration loading for the orchestration bus.
// Configuration sources (in priority order): env vars > .env file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all orchestrator configuration.
type Config struct {
	// Listen address for the dashboard server (default ":8080").
	ListenAddr string

	// Data directory for file-backed coordination state (default "/var/lib/opsbus").
	DataDir string

	// Store settings.
	DatabaseURL    string
	Schema         string
	PoolMin        int
	PoolMax        int
	PoolTimeoutSec int

	// LLM settings.
	LLM LLMConfig

	// Monitor settings.
	MonitorIntervalSec int
	MonitorReadLines   int

	// Topology approval settings.
	ApprovalTTLSec      int
	ApprovalArchiveDays int
	TopologyPath        string
	TopologyBackups     int

	// Command-card execution.
	CmdCardExecEnabled bool
	CmdTimeoutSec      int
	CmdOutputLimit     int

	// Agent-facing db.execute gate (default off).
	AgentDBExecute bool

	// Dashboard SSE idle heartbeat interval.
	SSESyncSec int

	// Terminal bridge endpoint (empty = bridge disabled).
	BridgeURL string

	// Logging.
	LogLevel string

	// Audit/system-log retention.
	LogRetentionDays int

	// Telegram bridge (optional).
	Telegram TelegramConfig
}

// LLMConfig configures the one-shot completion client.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	TimeoutSec  int
	MaxRetries  int
}

// TelegramConfig configures the chatops bridge and watchdog.
type TelegramConfig struct {
	BotToken            string
	ChatID              int64
	WatchdogIntervalSec int
	WatchdogMessage     string
	WatchdogMaster      bool
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:          ":8080",
		DataDir:             "/var/lib/opsbus",
		Schema:              "opsbus",
		PoolMin:             1,
		PoolMax:             8,
		PoolTimeoutSec:      10,
		MonitorIntervalSec:  5,
		MonitorReadLines:    30,
		ApprovalTTLSec:      1800,
		ApprovalArchiveDays: 7,
		TopologyPath:        "topology.yaml",
		TopologyBackups:     5,
		CmdTimeoutSec:       120,
		CmdOutputLimit:      20000,
		SSESyncSec:          15,
		LogLevel:            "info",
		LogRetentionDays:    30,
		LLM: LLMConfig{
			BaseURL:     "https://api.anthropic.com",
			Temperature: 0.2,
			TimeoutSec:  120,
			MaxRetries:  3,
		},
		Telegram: TelegramConfig{
			WatchdogIntervalSec: 300,
			WatchdogMessage:     "continue",
			WatchdogMaster:      true,
		},
	}
}

// Load reads a .env file (if present), then overlays environment variables on
// top of defaults. A missing .env file is not an error.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfg := Default()
	for key := range knownKeys {
		if v, ok := os.LookupEnv(key); ok {
			if err := cfg.apply(key, v); err != nil {
				return Config{}, err
			}
		}
	}
	return cfg, nil
}

// knownKeys is the closed set of configuration keys. POST /api/config rejects
// anything outside this set.
var knownKeys = map[string]struct{}{
	"OPSBUS_LISTEN_ADDR":          {},
	"OPSBUS_DATA_DIR":             {},
	"OPSBUS_DATABASE_URL":         {},
	"OPSBUS_SCHEMA":               {},
	"OPSBUS_POOL_MIN":             {},
	"OPSBUS_POOL_MAX":             {},
	"OPSBUS_POOL_TIMEOUT_SEC":     {},
	"OPSBUS_LLM_API_KEY":          {},
	"OPSBUS_LLM_BASE_URL":         {},
	"OPSBUS_LLM_MODEL":            {},
	"OPSBUS_LLM_TEMPERATURE":      {},
	"OPSBUS_LLM_TIMEOUT_SEC":      {},
	"OPSBUS_LLM_MAX_RETRIES":      {},
	"OPSBUS_MONITOR_INTERVAL_SEC": {},
	"OPSBUS_MONITOR_READ_LINES":   {},
	"OPSBUS_APPROVAL_TTL_SEC":     {},
	"OPSBUS_ARCHIVE_DAYS":         {},
	"OPSBUS_TOPOLOGY_PATH":        {},
	"OPSBUS_TOPOLOGY_BACKUPS":     {},
	"OPSBUS_CMD_CARD_EXEC":        {},
	"OPSBUS_CMD_TIMEOUT_SEC":      {},
	"OPSBUS_CMD_OUTPUT_LIMIT":     {},
	"OPSBUS_AGENT_DB_EXECUTE":     {},
	"OPSBUS_SSE_SYNC_SEC":         {},
	"OPSBUS_BRIDGE_URL":           {},
	"OPSBUS_LOG_LEVEL":            {},
	"OPSBUS_LOG_RETENTION_DAYS":   {},
	"OPSBUS_TELEGRAM_TOKEN":       {},
	"OPSBUS_TELEGRAM_CHAT_ID":     {},
	"OPSBUS_WATCHDOG_INTERVAL":    {},
	"OPSBUS_WATCHDOG_MESSAGE":     {},
	"OPSBUS_WATCHDOG_MASTER":      {},
}

// intKeys require integer values; floatKeys require numbers.
var intKeys = map[string]struct{}{
	"OPSBUS_POOL_MIN": {}, "OPSBUS_POOL_MAX": {}, "OPSBUS_POOL_TIMEOUT_SEC": {},
	"OPSBUS_LLM_TIMEOUT_SEC": {}, "OPSBUS_LLM_MAX_RETRIES": {},
	"OPSBUS_MONITOR_INTERVAL_SEC": {}, "OPSBUS_MONITOR_READ_LINES": {},
	"OPSBUS_APPROVAL_TTL_SEC": {}, "OPSBUS_ARCHIVE_DAYS": {}, "OPSBUS_TOPOLOGY_BACKUPS": {},
	"OPSBUS_CMD_TIMEOUT_SEC": {}, "OPSBUS_CMD_OUTPUT_LIMIT": {},
	"OPSBUS_SSE_SYNC_SEC": {}, "OPSBUS_LOG_RETENTION_DAYS": {},
	"OPSBUS_TELEGRAM_CHAT_ID": {}, "OPSBUS_WATCHDOG_INTERVAL": {},
}

var floatKeys = map[string]struct{}{
	"OPSBUS_LLM_TEMPERATURE": {},
}

var boolKeys = map[string]struct{}{
	"OPSBUS_CMD_CARD_EXEC": {}, "OPSBUS_AGENT_DB_EXECUTE": {}, "OPSBUS_WATCHDOG_MASTER": {},
}

// enumKeys constrain select fields to a closed value set.
var enumKeys = map[string][]string{
	"OPSBUS_LOG_LEVEL": {"debug", "info", "warn", "error"},
}

// ValidateKey checks a configuration key/value pair for the config API.
func ValidateKey(key, value string) error {
	if _, ok := knownKeys[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if _, ok := intKeys[key]; ok {
		if _, err := strconv.Atoi(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s must be an integer, got %q", key, value)
		}
	}
	if _, ok := floatKeys[key]; ok {
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return fmt.Errorf("%s must be a number, got %q", key, value)
		}
	}
	if _, ok := boolKeys[key]; ok {
		v := strings.ToLower(strings.TrimSpace(value))
		if v != "true" && v != "false" && v != "1" && v != "0" {
			return fmt.Errorf("%s must be a boolean, got %q", key, value)
		}
	}
	if allowed, ok := enumKeys[key]; ok {
		v := strings.ToLower(strings.TrimSpace(value))
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "/"), value)
	}
	return nil
}

func (c *Config) apply(key, value string) error {
	if err := ValidateKey(key, value); err != nil {
		return err
	}
	v := strings.TrimSpace(value)

	switch key {
	case "OPSBUS_LISTEN_ADDR":
		c.ListenAddr = v
	case "OPSBUS_DATA_DIR":
		c.DataDir = v
	case "OPSBUS_DATABASE_URL":
		c.DatabaseURL = v
	case "OPSBUS_SCHEMA":
		c.Schema = v
	case "OPSBUS_POOL_MIN":
		c.PoolMin, _ = strconv.Atoi(v)
	case "OPSBUS_POOL_MAX":
		c.PoolMax, _ = strconv.Atoi(v)
	case "OPSBUS_POOL_TIMEOUT_SEC":
		c.PoolTimeoutSec, _ = strconv.Atoi(v)
	case "OPSBUS_LLM_API_KEY":
		c.LLM.APIKey = v
	case "OPSBUS_LLM_BASE_URL":
		c.LLM.BaseURL = v
	case "OPSBUS_LLM_MODEL":
		c.LLM.Model = v
	case "OPSBUS_LLM_TEMPERATURE":
		c.LLM.Temperature, _ = strconv.ParseFloat(v, 64)
	case "OPSBUS_LLM_TIMEOUT_SEC":
		c.LLM.TimeoutSec, _ = strconv.Atoi(v)
	case "OPSBUS_LLM_MAX_RETRIES":
		c.LLM.MaxRetries, _ = strconv.Atoi(v)
	case "OPSBUS_MONITOR_INTERVAL_SEC":
		c.MonitorIntervalSec, _ = strconv.Atoi(v)
	case "OPSBUS_MONITOR_READ_LINES":
		c.MonitorReadLines, _ = strconv.Atoi(v)
	case "OPSBUS_APPROVAL_TTL_SEC":
		c.ApprovalTTLSec, _ = strconv.Atoi(v)
	case "OPSBUS_ARCHIVE_DAYS":
		c.ApprovalArchiveDays, _ = strconv.Atoi(v)
	case "OPSBUS_TOPOLOGY_PATH":
		c.TopologyPath = v
	case "OPSBUS_TOPOLOGY_BACKUPS":
		c.TopologyBackups, _ = strconv.Atoi(v)
	case "OPSBUS_CMD_CARD_EXEC":
		c.CmdCardExecEnabled = parseBool(v)
	case "OPSBUS_CMD_TIMEOUT_SEC":
		c.CmdTimeoutSec, _ = strconv.Atoi(v)
	case "OPSBUS_CMD_OUTPUT_LIMIT":
		c.CmdOutputLimit, _ = strconv.Atoi(v)
	case "OPSBUS_AGENT_DB_EXECUTE":
		c.AgentDBExecute = parseBool(v)
	case "OPSBUS_SSE_SYNC_SEC":
		c.SSESyncSec, _ = strconv.Atoi(v)
	case "OPSBUS_BRIDGE_URL":
		c.BridgeURL = v
	case "OPSBUS_LOG_LEVEL":
		c.LogLevel = strings.ToLower(v)
	case "OPSBUS_LOG_RETENTION_DAYS":
		c.LogRetentionDays, _ = strconv.Atoi(v)
	case "OPSBUS_TELEGRAM_TOKEN":
		c.Telegram.BotToken = v
	case "OPSBUS_TELEGRAM_CHAT_ID":
		n, _ := strconv.ParseInt(v, 10, 64)
		c.Telegram.ChatID = n
	case "OPSBUS_WATCHDOG_INTERVAL":
		c.Telegram.WatchdogIntervalSec, _ = strconv.Atoi(v)
	case "OPSBUS_WATCHDOG_MESSAGE":
		c.Telegram.WatchdogMessage = v
	case "OPSBUS_WATCHDOG_MASTER":
		c.Telegram.WatchdogMaster = parseBool(v)
	}
	return nil
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}

// Snapshot returns the current file values as a flat key→value map for the
// config API. Secrets are redacted.
func Snapshot(envPath string) (map[string]string, error) {
	values := map[string]string{}
	if envPath != "" {
		loaded, err := godotenv.Read(envPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
		for k, v := range loaded {
			if _, ok := knownKeys[k]; ok {
				values[k] = v
			}
		}
	}
	for _, secret := range []string{"OPSBUS_LLM_API_KEY", "OPSBUS_TELEGRAM_TOKEN", "OPSBUS_DATABASE_URL"} {
		if v, ok := values[secret]; ok && v != "" {
			values[secret] = "***"
		}
	}
	return values, nil
}

// ApplyUpdates validates updates and rewrites the .env file atomically
// (temp file + rename). Existing unknown lines are preserved as-is.
func ApplyUpdates(envPath string, updates map[string]string) error {
	if envPath == "" {
		return fmt.Errorf("config path not set")
	}
	for k, v := range updates {
		if err := ValidateKey(k, v); err != nil {
			return err
		}
	}

	current := map[string]string{}
	if loaded, err := godotenv.Read(envPath); err == nil {
		current = loaded
	}
	for k, v := range updates {
		current[k] = v
	}

	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(quoteEnvValue(current[k]))
		sb.WriteString("\n")
	}

	return atomicWrite(envPath, []byte(sb.String()), 0o640)
}

func quoteEnvValue(v string) string {
	if strings.ContainsAny(v, " #\"'\n") {
		return strconv.Quote(v)
	}
	return v
}

// atomicWrite writes data to a temp file in the target directory then renames
// it over path, so readers never observe a partial file.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// AtomicWriteFile is the exported atomic-replace helper used by the
// coordination stores and the topology config writer.
func AtomicWriteFile(path string, data []byte, mode os.FileMode) error {
	return atomicWrite(path, data, mode)
}
