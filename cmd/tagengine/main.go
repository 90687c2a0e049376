// Command tagengine is the industrial tag engine binary.
//
// It resolves settings from an optional YAML file plus TAG_ENGINE_*
// environment variables (flags override both), assembles the engine, and
// runs until interrupted (SIGINT / SIGTERM).
//
// Usage:
//
//	tagengine [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vpbank/tag_engine/pkg/tagengine/app"
	"github.com/vpbank/tag_engine/pkg/tagengine/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tagengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		logLevel     string
		logFmt       string
		settingsPath string

		configDir string
		brokerURL string
		clientID  string
		historyDB string
		filesDir  string
		telemetry string
		retention int
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "json", "Log format: json, text")
	flag.StringVar(&settingsPath, "settings", "", "Optional YAML settings file")

	flag.StringVar(&configDir, "config.dir", "", "Override TAG_ENGINE_CONFIG_DIR")
	flag.StringVar(&brokerURL, "broker.url", "", "Override TAG_ENGINE_BROKER_URL")
	flag.StringVar(&clientID, "broker.client.id", "", "Override TAG_ENGINE_BROKER_CLIENT_ID")
	flag.StringVar(&historyDB, "history.db", "", "Override TAG_ENGINE_HISTORY_DB")
	flag.StringVar(&filesDir, "files.dir", "", "Override TAG_ENGINE_FILES_DIR")
	flag.StringVar(&telemetry, "telemetry.listen", "", "Prometheus listen address, e.g. :9090 (empty = disabled)")
	flag.IntVar(&retention, "history.retention.days", -1, "Override history retention in days (0 = keep forever)")

	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────────
	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Settings ─────────────────────────────────────────────────────────
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return err
	}
	applyOverrides(&settings, configDir, brokerURL, clientID, historyDB, filesDir, telemetry, retention)

	// ── Run ──────────────────────────────────────────────────────────────
	engine := app.New(app.Config{Settings: settings}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logger.Info("tagengine: running — press Ctrl-C to stop")

	// Block until signal.
	<-ctx.Done()
	logger.Info("tagengine: received shutdown signal")

	engine.Stop()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

func applyOverrides(s *config.Settings, configDir, brokerURL, clientID, historyDB, filesDir, telemetry string, retention int) {
	if configDir != "" {
		s.ConfigDir = configDir
	}
	if brokerURL != "" {
		s.BrokerURL = brokerURL
	}
	if clientID != "" {
		s.BrokerClientID = clientID
	}
	if historyDB != "" {
		s.HistoryDBPath = historyDB
	}
	if filesDir != "" {
		s.FilesDir = filesDir
	}
	if telemetry != "" {
		s.TelemetryListen = telemetry
	}
	if retention >= 0 {
		s.HistoryRetentionDays = retention
	}
}
