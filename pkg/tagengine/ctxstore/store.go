// Package ctxstore implements the three-scope context store shared by flows,
// scripts, and state machines: flat string keys namespaced as
//
//	global:<path>
//	flow:<flowId>:<path>
//	node:<flowId>:<nodeId>:<path>
//
// Only the global scope is durable. Writes to it mark the store dirty and a
// trailing 500 ms debounce timer persists the global entries to
// internal-tags.json; flow and node entries live in memory only and are
// pruned when their owning flow disappears from config.
package ctxstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
)

// Scope names accepted by the scoped view (context-get/set node config).
const (
	ScopeGlobal = "global"
	ScopeFlow   = "flow"
	ScopeNode   = "node"
)

// ─────────────────────────────────────────────────────────────────────────────
// Key builders
// ─────────────────────────────────────────────────────────────────────────────

// GlobalKey flattens a global-scope path.
func GlobalKey(path string) string { return "global:" + path }

// FlowKey flattens a flow-scope path.
func FlowKey(flowID, path string) string { return "flow:" + flowID + ":" + path }

// NodeKey flattens a node-scope path.
func NodeKey(flowID, nodeID, path string) string {
	return "node:" + flowID + ":" + nodeID + ":" + path
}

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ─────────────────────────────────────────────────────────────────────────────

// Persister is the config-store subset the context store consumes.
type Persister interface {
	LoadInternalTags() ([]models.InternalTagEntry, error)
	SaveInternalTags(entries []models.InternalTagEntry) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the store. Zero values select the defaults.
type Config struct {
	// Debounce is the quiet period between a global write and the persist.
	Debounce time.Duration

	// Clock drives the debounce timer; tests inject a mock.
	Clock clock.Clock
}

// Store is the in-memory context store with debounced persistence of the
// global scope. Construct with New (which loads the persisted entries),
// launch the flusher with Start, and always Close — Close performs the final
// flush.
type Store struct {
	persist  Persister
	debounce time.Duration
	clk      clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]models.InternalTagEntry
	dirty   bool

	kick   chan struct{}
	tasks  *task.Group
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New loads the persisted global entries and returns a store ready for
// Start. If logger is nil, a no-op logger is substituted.
func New(persist Persister, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Store{
		persist:  persist,
		debounce: cfg.Debounce,
		clk:      cfg.Clock,
		logger:   logger,
		entries:  make(map[string]models.InternalTagEntry),
		kick:     make(chan struct{}, 1),
		tasks:    task.NewGroup(logger),
	}

	loaded, err := persist.LoadInternalTags()
	if err != nil {
		return nil, fmt.Errorf("ctxstore: load persisted entries: %w", err)
	}
	for _, e := range loaded {
		s.entries[GlobalKey(e.Path)] = e
	}
	logger.Info("ctxstore: loaded", "global_entries", len(loaded))
	return s, nil
}

// Start launches the debounced flusher.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.tasks.Go("ctxstore-flusher", func() error {
		s.runFlusher(ctx)
		return nil
	})
}

// Close stops the flusher and performs one final synchronous flush when the
// store is dirty. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.tasks.Wait()

		s.mu.Lock()
		dirty := s.dirty
		s.mu.Unlock()
		if dirty {
			err = s.flush()
		}
	})
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Access by flattened key
// ─────────────────────────────────────────────────────────────────────────────

// Set stores one value under a flattened key with good quality and the
// current time. Global-scope writes schedule a persist.
func (s *Store) Set(key string, value any) {
	s.SetEntry(key, models.InternalTagEntry{
		Path:      pathOf(key),
		Value:     value,
		Quality:   models.QualityGood,
		Timestamp: s.clk.Now().UTC().Truncate(time.Millisecond),
	})
}

// SetEntry stores a fully-specified entry under a flattened key.
func (s *Store) SetEntry(key string, entry models.InternalTagEntry) {
	s.mu.Lock()
	s.entries[key] = entry
	global := strings.HasPrefix(key, "global:")
	if global {
		s.dirty = true
	}
	s.mu.Unlock()

	if global {
		s.scheduleFlush()
	}
}

// Get returns the entry stored under a flattened key.
func (s *Store) Get(key string) (models.InternalTagEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Value returns just the stored value under a flattened key.
func (s *Store) Value(key string) (any, bool) {
	e, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Has reports whether a flattened key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes a flattened key. Removing a global entry schedules a
// persist.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	global := existed && strings.HasPrefix(key, "global:")
	if global {
		s.dirty = true
	}
	s.mu.Unlock()

	if global {
		s.scheduleFlush()
	}
}

// Len returns the number of stored entries across all scopes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// PruneFlows removes flow- and node-scope entries whose owning flow id is
// not in live, returning the number of entries removed. Global entries are
// never pruned.
func (s *Store) PruneFlows(live []string) int {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		owner, scoped := owningFlow(key)
		if scoped && !alive[owner] {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("ctxstore: pruned orphaned entries", "removed", removed)
	}
	return removed
}

// pathOf strips the scope namespace from a flattened key, leaving the
// caller-visible path.
func pathOf(key string) string {
	switch {
	case strings.HasPrefix(key, "global:"):
		return key[len("global:"):]
	case strings.HasPrefix(key, "flow:"):
		if parts := strings.SplitN(key, ":", 3); len(parts) == 3 {
			return parts[2]
		}
	case strings.HasPrefix(key, "node:"):
		if parts := strings.SplitN(key, ":", 4); len(parts) == 4 {
			return parts[3]
		}
	}
	return key
}

// owningFlow extracts the flow id from a flow- or node-scope key.
func owningFlow(key string) (flowID string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, "flow:"):
		rest = key[len("flow:"):]
	case strings.HasPrefix(key, "node:"):
		rest = key[len("node:"):]
	default:
		return "", false
	}
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return "", false
	}
	return rest[:i], true
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistence
// ─────────────────────────────────────────────────────────────────────────────

// scheduleFlush kicks the debounce timer without blocking.
func (s *Store) scheduleFlush() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) runFlusher(ctx context.Context) {
	var timer *clock.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-s.kick:
			if timer == nil {
				timer = s.clk.Timer(s.debounce)
				timerC = timer.C
			} else {
				timer.Reset(s.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			if err := s.flush(); err != nil {
				s.logger.Warn("ctxstore: persist failed", "error", err.Error())
			}
		}
	}
}

// flush writes the global entries, sorted by path for a stable file.
func (s *Store) flush() error {
	s.mu.Lock()
	globals := make([]models.InternalTagEntry, 0)
	for key, e := range s.entries {
		if strings.HasPrefix(key, "global:") {
			globals = append(globals, e)
		}
	}
	s.dirty = false
	s.mu.Unlock()

	sort.Slice(globals, func(i, j int) bool { return globals[i].Path < globals[j].Path })

	if err := s.persist.SaveInternalTags(globals); err != nil {
		flushErrorsTotal.Inc()
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("ctxstore: save internal tags: %w", err)
	}
	flushesTotal.Inc()
	s.logger.Debug("ctxstore: persisted global scope", "entries", len(globals))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
