package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// Settings are the process-level startup inputs: config directory, broker
// address, history database path and tuning knobs. Resolution order is
// defaults ← optional YAML settings file ← environment variables, so a
// container deployment can override any field without a file.
//
//	TAG_ENGINE_CONFIG_DIR            → ConfigDir
//	TAG_ENGINE_BROKER_URL            → BrokerURL
//	TAG_ENGINE_BROKER_CLIENT_ID      → BrokerClientID
//	TAG_ENGINE_BROKER_USERNAME       → BrokerUsername
//	TAG_ENGINE_BROKER_PASSWORD       → BrokerPassword
//	TAG_ENGINE_HISTORY_DB            → HistoryDBPath
//	TAG_ENGINE_HISTORY_RETENTION_DAYS → HistoryRetentionDays
//	TAG_ENGINE_FILES_DIR             → FilesDir
//	TAG_ENGINE_TELEMETRY_LISTEN      → TelemetryListen
type Settings struct {
	// ConfigDir holds the JSON documents. Default "./config".
	ConfigDir string `yaml:"configDir"`

	// BrokerURL in paho form. Default "tcp://localhost:1883".
	BrokerURL string `yaml:"brokerUrl"`

	// BrokerClientID presented to the broker. Default "tag-engine".
	BrokerClientID string `yaml:"brokerClientId"`

	// Optional broker credentials.
	BrokerUsername string `yaml:"brokerUsername"`
	BrokerPassword string `yaml:"brokerPassword"`

	// HistoryDBPath is the SQLite file. Default "./data/history.db".
	HistoryDBPath string `yaml:"historyDbPath"`

	// HistoryRetentionDays drives the daily cleanup; 0 disables it.
	HistoryRetentionDays int `yaml:"historyRetentionDays"`

	// FilesDir is the root for file-write node output. Default
	// "./data/files".
	FilesDir string `yaml:"filesDir"`

	// TelemetryListen is the optional Prometheus listen address
	// (e.g. ":9090"). Empty disables the metrics endpoint.
	TelemetryListen string `yaml:"telemetryListen"`

	// DebounceMs is the config watcher debounce window. Default 500.
	DebounceMs int `yaml:"debounceMs"`
}

// withDefaults returns a copy of s with zero fields replaced by defaults.
func (s Settings) withDefaults() Settings {
	if s.ConfigDir == "" {
		s.ConfigDir = "./config"
	}
	if s.BrokerURL == "" {
		s.BrokerURL = "tcp://localhost:1883"
	}
	if s.BrokerClientID == "" {
		s.BrokerClientID = "tag-engine"
	}
	if s.HistoryDBPath == "" {
		s.HistoryDBPath = "./data/history.db"
	}
	if s.FilesDir == "" {
		s.FilesDir = "./data/files"
	}
	if s.DebounceMs <= 0 {
		s.DebounceMs = 500
	}
	return s
}

// Debounce returns the watcher debounce window as a duration.
func (s Settings) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// LoadSettings resolves Settings from an optional YAML file plus the
// environment. An empty path skips the file; a named file that does not
// exist is an error (a misspelled -settings flag should not silently run on
// defaults).
func LoadSettings(path string) (Settings, error) {
	var s Settings

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("config: read settings %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("config: parse settings %q: %w", path, err)
		}
	}

	applyEnv(&s)
	return s.withDefaults(), nil
}

// applyEnv overrides fields from TAG_ENGINE_* environment variables.
func applyEnv(s *Settings) {
	s.ConfigDir = envOr("TAG_ENGINE_CONFIG_DIR", s.ConfigDir)
	s.BrokerURL = envOr("TAG_ENGINE_BROKER_URL", s.BrokerURL)
	s.BrokerClientID = envOr("TAG_ENGINE_BROKER_CLIENT_ID", s.BrokerClientID)
	s.BrokerUsername = envOr("TAG_ENGINE_BROKER_USERNAME", s.BrokerUsername)
	s.BrokerPassword = envOr("TAG_ENGINE_BROKER_PASSWORD", s.BrokerPassword)
	s.HistoryDBPath = envOr("TAG_ENGINE_HISTORY_DB", s.HistoryDBPath)
	s.FilesDir = envOr("TAG_ENGINE_FILES_DIR", s.FilesDir)
	s.TelemetryListen = envOr("TAG_ENGINE_TELEMETRY_LISTEN", s.TelemetryListen)

	if v := os.Getenv("TAG_ENGINE_HISTORY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.HistoryRetentionDays = n
		}
	}
	if v := os.Getenv("TAG_ENGINE_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.DebounceMs = n
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
