// Package file provides the rotating file sink behind flow file-write
// nodes.
//
// One Sink serves the whole engine: each distinct path gets its own lazily
// opened appender, shared by every flow that writes to it. Paths are
// relative to the sink root; absolute paths and parent-directory escapes are
// rejected so flow configuration cannot write outside it.
package file

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Sink. Zero values select the defaults.
type Config struct {
	// Root is the directory every path resolves under. Default "data/files".
	Root string

	// MaxBytes rotates any one file past this size. Zero selects the
	// 10 MiB default; negative disables rotation.
	MaxBytes int64

	// MaxBackups is the number of rotated files kept per path. Zero
	// selects the default of 5; negative keeps every backup.
	MaxBackups int
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = filepath.Join("data", "files")
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxBytes < 0 {
		c.MaxBytes = 0
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxBackups < 0 {
		c.MaxBackups = 0
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sink
// ─────────────────────────────────────────────────────────────────────────────

// Sink appends newline-terminated records to named files with size-based
// rotation. Files open on first Append and stay open until Close. Safe for
// concurrent use.
type Sink struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*appender
}

// NewSink constructs a Sink. If logger is nil, a no-op logger is
// substituted.
func NewSink(cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.applyDefaults()
	return &Sink{
		cfg:    cfg,
		logger: logger,
		files:  make(map[string]*appender),
	}
}

// Append writes line plus a trailing newline to the file at path. The write
// is a single call on the underlying file, so concurrent appenders never
// interleave records.
func (s *Sink) Append(path string, line []byte) error {
	a, err := s.fileFor(path)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if err := a.append(buf); err != nil {
		return fmt.Errorf("transport/file: append %s: %w", path, err)
	}
	return nil
}

// Close closes every open file. Append after Close reopens on demand.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs *multierror.Error
	for path, a := range s.files {
		if err := a.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("transport/file: close %s: %w", path, err))
		}
	}
	s.files = make(map[string]*appender)
	return errs.ErrorOrNil()
}

// OpenFiles reports how many distinct files the sink currently holds open.
func (s *Sink) OpenFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func (s *Sink) fileFor(path string) (*appender, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.files[resolved]; ok {
		return a, nil
	}
	a, err := openAppender(resolved, s.cfg.MaxBytes, s.cfg.MaxBackups, s.logger)
	if err != nil {
		return nil, err
	}
	s.files[resolved] = a
	s.logger.Info("transport/file: opened", "file", resolved)
	return a, nil
}

// resolve confines path under the sink root.
func (s *Sink) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("transport/file: empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("transport/file: absolute path %q not allowed", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("transport/file: path %q escapes the sink root", path)
	}
	return filepath.Join(s.cfg.Root, clean), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
