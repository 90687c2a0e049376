// Package task provides the supervised goroutine group used across the
// engine. Fire-and-forget goroutines are forbidden: every background task is
// spawned through a Group so that panics are recovered and logged, errors are
// observed, and shutdown can join all outstanding work.
package task

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Group tracks a set of supervised goroutines. The zero value is not usable;
// construct with NewGroup.
type Group struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	panics int
}

// NewGroup constructs a Group. If logger is nil, a no-op logger is
// substituted.
func NewGroup(logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Group{logger: logger}
}

// Go runs fn on a new goroutine. A panic is recovered, counted, and logged
// with the task name and stack; a returned error is logged. Neither
// propagates to the caller.
func (g *Group) Go(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.mu.Lock()
				g.panics++
				g.mu.Unlock()
				g.logger.Error("task: panic recovered",
					"task", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		if err := fn(); err != nil {
			g.logger.Error("task: failed",
				"task", name,
				"error", err.Error(),
			)
		}
	}()
}

// Wait blocks until every goroutine spawned via Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Panics returns the number of recovered panics, for health reporting.
func (g *Group) Panics() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.panics
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
