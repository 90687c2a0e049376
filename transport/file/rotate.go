// Size-based rotation for sink output files.
//
// Each appender owns one active file plus its numbered backups: when a write
// would push the active file past the size limit it is renamed with a numeric
// suffix (alarms.log → alarms.log.1, .1 → .2, …) and a fresh file is opened.
// Backups past the cap are removed.
package file

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// appender serialises writes to one path and rotates it by size. limit zero
// means never rotate; backups zero means keep every rotated file.
type appender struct {
	path    string
	limit   int64
	backups int
	logger  *slog.Logger

	mu   sync.Mutex
	f    *os.File
	size int64
}

// openAppender creates the parent directory if needed and opens the active
// file in append mode.
func openAppender(path string, limit int64, backups int, logger *slog.Logger) (*appender, error) {
	if path == "" {
		return nil, fmt.Errorf("transport/file: empty file path")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("transport/file: mkdir for %s: %w", path, err)
	}

	a := &appender{path: path, limit: limit, backups: backups, logger: logger}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

// append writes p in a single call, rotating first when p would cross the
// size limit. A failed rotation is logged and the write proceeds on the
// current file rather than dropping the record.
func (a *appender) append(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && a.size+int64(len(p)) > a.limit {
		if err := a.rotate(); err != nil {
			a.logger.Error("transport/file: rotate failed", "file", a.path, "error", err.Error())
		}
	}
	if a.f == nil {
		// Rotation closed the file and could not reopen it.
		return fmt.Errorf("transport/file: %s is not open", a.path)
	}

	n, err := a.f.Write(p)
	a.size += int64(n)
	return err
}

func (a *appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

func (a *appender) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transport/file: open %s: %w", a.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("transport/file: stat %s: %w", a.path, err)
	}
	a.f = f
	a.size = info.Size()
	return nil
}

// rotate closes the active file, shifts the backup chain up by one, moves the
// active file to .1 and reopens a fresh one. Caller holds a.mu.
func (a *appender) rotate() error {
	if a.f != nil {
		if err := a.f.Close(); err != nil {
			a.logger.Warn("transport/file: close before rotate", "file", a.path, "error", err.Error())
		}
		a.f = nil
	}

	a.shiftBackups()
	if err := os.Rename(a.path, a.backupName(1)); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("transport/file: rotate rename", "file", a.path, "error", err.Error())
	}
	a.logger.Info("transport/file: rotated", "file", a.path)

	a.size = 0
	return a.open()
}

// shiftBackups renames .1 → .2 and so on, newest first, then drops anything
// past the backup cap. With an uncapped chain the shift starts from the
// highest backup that exists on disk.
func (a *appender) shiftBackups() {
	top := a.backups
	if top == 0 {
		top = a.highestBackup()
	}
	for n := top; n >= 1; n-- {
		// Renaming a missing backup is fine; the chain may have gaps.
		_ = os.Rename(a.backupName(n), a.backupName(n+1))
	}
	if a.backups == 0 {
		return
	}
	for n := a.backups + 1; ; n++ {
		if os.Remove(a.backupName(n)) != nil {
			return
		}
		a.logger.Debug("transport/file: pruned backup", "file", a.backupName(n))
	}
}

// highestBackup walks the chain until the first missing file.
func (a *appender) highestBackup() int {
	top := 0
	for n := 1; ; n++ {
		if _, err := os.Stat(a.backupName(n)); err != nil {
			return top
		}
		top = n
	}
}

func (a *appender) backupName(n int) string {
	return fmt.Sprintf("%s.%d", a.path, n)
}
