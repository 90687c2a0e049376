package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/vpbank/tag_engine/pkg/tagengine/task"
)

// ─────────────────────────────────────────────────────────────────────────────
// Reload kinds
// ─────────────────────────────────────────────────────────────────────────────

// Kind identifies which document changed, for per-kind reload hooks.
type Kind string

// Hook kinds. KindOther covers users.json and any unrecognised *.json, both
// of which trigger a reload of everything.
const (
	KindConnections   Kind = "connections"
	KindFlows         Kind = "flows"
	KindStateMachines Kind = "state-machines"
	KindOther         Kind = "other"
)

// classify maps a file base name to its reload kind. internal-tags.json is
// not watched: the context store's own flusher writes it, and reacting to
// those writes would reload the engine in a loop.
func classify(base string) (Kind, bool) {
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	switch base {
	case ConnectionsFile:
		return KindConnections, true
	case FlowsFile:
		return KindFlows, true
	case StateMachinesFile:
		return KindStateMachines, true
	case InternalTagsFile:
		return "", false
	default:
		return KindOther, true
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Watcher
// ─────────────────────────────────────────────────────────────────────────────

// WatcherConfig controls the Watcher.
type WatcherConfig struct {
	// Dir is the config directory to observe.
	Dir string

	// Debounce is the trailing quiet window before hooks fire. Default 500 ms.
	Debounce time.Duration

	// Clock drives the debounce timer. Default the real clock; tests inject
	// a mock.
	Clock clock.Clock
}

// Watcher observes the config directory for document writes, debounces
// bursts with one trailing timer, and fires the reload hooks registered for
// every kind dirtied during the burst.
type Watcher struct {
	dir      string
	debounce time.Duration
	clk      clock.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	hooks map[Kind][]namedHook

	fs       *fsnotify.Watcher
	incoming chan fsEvent
	group    *task.Group
	cancel   context.CancelFunc
}

type namedHook struct {
	name string
	fn   func()
}

type fsEvent struct {
	base string
	op   fsnotify.Op
}

// NewWatcher constructs a Watcher; Start begins observation.
func NewWatcher(cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Watcher{
		dir:      cfg.Dir,
		debounce: cfg.Debounce,
		clk:      cfg.Clock,
		logger:   logger,
		hooks:    make(map[Kind][]namedHook),
		incoming: make(chan fsEvent, 64),
		group:    task.NewGroup(logger),
	}
}

// OnReload registers a hook fired (by name, for logging) whenever the given
// kind's document changes. Hooks run on the watcher goroutine and should
// hand heavy work off to their own component.
func (w *Watcher) OnReload(kind Kind, name string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[kind] = append(w.hooks[kind], namedHook{name: name, fn: fn})
}

// Start opens the OS watch and launches the pump and debounce loops. The
// watcher stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fs.Add(w.dir); err != nil {
		fs.Close()
		return fmt.Errorf("config: watch %q: %w", w.dir, err)
	}
	w.fs = fs

	ctx, w.cancel = context.WithCancel(ctx)
	w.group.Go("config-watcher-pump", func() error { return w.pump(ctx) })
	w.group.Go("config-watcher-debounce", func() error { w.run(ctx); return nil })

	w.logger.Info("config: watching", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop ends observation and joins the watcher goroutines.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fs != nil {
		w.fs.Close()
	}
	w.group.Wait()
}

// pump forwards OS events into the internal channel so the debounce loop can
// be tested without a filesystem.
func (w *Watcher) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.incoming <- fsEvent{base: filepath.Base(ev.Name), op: ev.Op}:
			default:
				// A full queue means a storm of writes; the debounce
				// window restarts on the next delivered event anyway.
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watcher error", "error", err.Error())
		}
	}
}

// run is the debounce loop: dirty kinds accumulate until the trailing timer
// expires with no further events, then hooks fire once per dirty kind.
func (w *Watcher) run(ctx context.Context) {
	var timer *clock.Timer
	var timerC <-chan time.Time
	dirty := make(map[Kind]struct{})

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev := <-w.incoming:
			kind, ok := classify(ev.base)
			if !ok {
				continue
			}
			dirty[kind] = struct{}{}
			w.logger.Debug("config: change observed", "file", ev.base, "kind", string(kind))
			if timer == nil {
				timer = w.clk.Timer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			kinds := dirty
			dirty = make(map[Kind]struct{})
			w.fire(kinds)
		}
	}
}

// fire invokes hooks for the dirty kinds. KindOther escalates to every
// registered hook (reload all), each at most once.
func (w *Watcher) fire(kinds map[Kind]struct{}) {
	w.mu.Lock()
	var run []namedHook
	if _, all := kinds[KindOther]; all {
		for _, hs := range w.hooks {
			run = append(run, hs...)
		}
	} else {
		for kind := range kinds {
			run = append(run, w.hooks[kind]...)
		}
	}
	w.mu.Unlock()

	for _, h := range run {
		w.logger.Info("config: reload", "hook", h.name)
		h.fn()
	}
}
