package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/driver"
)

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// Options carries the engine's collaborators. Registry, Bus and Codec are
// required; History may be nil when history is disabled; Clock defaults to
// the real clock.
type Options struct {
	Registry *driver.Registry
	Bus      Publisher
	Codec    Encoder
	History  HistorySink
	Clock    clock.Clock
}

// Engine owns one ConnectionPoller per enabled connection and the shared
// current-value cache. Reload replaces pollers under a write gate; running
// pollers finish their in-flight reads before being dropped.
type Engine struct {
	logger   *slog.Logger
	clk      clock.Clock
	registry *driver.Registry
	bus      Publisher
	codec    Encoder
	history  HistorySink
	cache    *Cache

	mu      sync.Mutex
	pollers map[string]*ConnectionPoller
	conns   map[string]models.ConnectionConfig
	running bool
	rootCtx context.Context
	cancel  context.CancelFunc

	totalPolls  atomic.Uint64
	totalPollUs atomic.Int64
	startTime   time.Time
}

// NewEngine constructs an Engine. If logger is nil, a no-op logger is
// substituted.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.History == nil {
		opts.History = discardHistory{}
	}
	return &Engine{
		logger:   logger,
		clk:      opts.Clock,
		registry: opts.Registry,
		bus:      opts.Bus,
		codec:    opts.Codec,
		history:  opts.History,
		cache:    NewCache(),
		pollers:  make(map[string]*ConnectionPoller),
		conns:    make(map[string]models.ConnectionConfig),
	}
}

// Cache returns the shared current-value cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Running reports whether Start has been called and Stop has not.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start builds and starts a poller for every enabled connection.
func (e *Engine) Start(ctx context.Context, conns []models.ConnectionConfig) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("poll: engine already running")
	}
	e.rootCtx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.startTime = e.clk.Now().UTC()
	e.mu.Unlock()

	e.Reload(conns)
	e.logger.Info("poll: engine started", "connections", len(conns))
	return nil
}

// Stop halts every poller (joining in-flight reads) and marks the engine
// stopped. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	pollers := e.pollers
	e.pollers = make(map[string]*ConnectionPoller)
	e.conns = make(map[string]models.ConnectionConfig)
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	for _, p := range pollers {
		p.Stop(ctx)
		p.publishStatus(models.ConnDisconnected, "")
	}
	e.logger.Info("poll: engine stopped")
}

// Reload applies a new connection list: pollers for removed or disabled
// connections stop (completing in-flight reads first); every enabled
// connection gets a freshly constructed poller picking up new tag lists and
// rates. Safe to call concurrently with ongoing poll activity.
func (e *Engine) Reload(conns []models.ConnectionConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	next := make(map[string]models.ConnectionConfig, len(conns))
	for _, c := range conns {
		next[c.ID] = c
	}

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	// Stop pollers for connections that disappeared or were disabled, and
	// stop-and-replace the rest: a fresh poller is the only way to pick up
	// tag and rate changes atomically.
	for id, p := range e.pollers {
		p.Stop(ctx)
		cfg, stillThere := next[id]
		switch {
		case !stillThere:
			p.publishStatus(models.ConnDisconnected, "")
			e.cache.DropConnection(id)
			e.logger.Info("poll: connection removed", "connection", id)
		case !cfg.Enabled:
			p.publishStatus(models.ConnDisabled, "")
			e.cache.DropConnection(id)
			e.logger.Info("poll: connection disabled", "connection", id)
		}
		delete(e.pollers, id)
	}

	e.conns = next
	for id, cfg := range next {
		if !cfg.Enabled {
			continue
		}
		drv, err := e.registry.New(cfg.DriverType, e.logger)
		if err != nil {
			e.logger.Warn("poll: skipping connection",
				"connection", id,
				"driver", cfg.DriverType,
				"error", err.Error(),
			)
			continue
		}
		p := newConnectionPoller(cfg, drv, e)
		p.Start(e.rootCtx)
		e.pollers[id] = p
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────────────────────────────────────

// WriteTag routes one write to the owning poller's driver.
func (e *Engine) WriteTag(ctx context.Context, connectionID, tagID string, value any) error {
	e.mu.Lock()
	p, ok := e.pollers[connectionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("poll: write: no active poller for connection %q", connectionID)
	}
	return p.WriteTag(ctx, tagID, value)
}

// WriteTagByPath resolves a "ConnectionName/TagName" path against the active
// configuration and writes through the owning driver.
func (e *Engine) WriteTagByPath(ctx context.Context, path string, value any) error {
	connName, tagName, ok := models.SplitTagPath(path)
	if !ok {
		return fmt.Errorf("poll: write: malformed tag path %q", path)
	}

	e.mu.Lock()
	var target *ConnectionPoller
	var tagID string
	for _, p := range e.pollers {
		if p.cfg.Name != connName {
			continue
		}
		for i := range p.cfg.Tags {
			if p.cfg.Tags[i].Name == tagName {
				target, tagID = p, p.cfg.Tags[i].ID
				break
			}
		}
		break
	}
	e.mu.Unlock()

	if target == nil {
		return fmt.Errorf("poll: write: no active tag at path %q", path)
	}
	return target.WriteTag(ctx, tagID, value)
}

// ─────────────────────────────────────────────────────────────────────────────
// Aggregation
// ─────────────────────────────────────────────────────────────────────────────

// Stats is the aggregate snapshot embedded in engine/status.
type Stats struct {
	ActiveConnections int
	ActiveTags        int
	TotalPolls        uint64
	AveragePollTimeMs float64
	StartTime         time.Time
}

// recordPoll accumulates one successful read's elapsed time.
func (e *Engine) recordPoll(elapsed time.Duration) {
	e.totalPolls.Add(1)
	e.totalPollUs.Add(elapsed.Microseconds())
}

// Stats returns the engine aggregate for status publication.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	active := len(e.pollers)
	tags := 0
	for _, p := range e.pollers {
		tags += len(p.cfg.Tags)
	}
	start := e.startTime
	e.mu.Unlock()

	polls := e.totalPolls.Load()
	var avg float64
	if polls > 0 {
		avg = float64(e.totalPollUs.Load()) / 1000.0 / float64(polls)
	}
	return Stats{
		ActiveConnections: active,
		ActiveTags:        tags,
		TotalPolls:        polls,
		AveragePollTimeMs: avg,
		StartTime:         start,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Null history sink
// ─────────────────────────────────────────────────────────────────────────────

// discardHistory satisfies HistorySink when no history store is wired.
type discardHistory struct{}

func (discardHistory) StoreValue(models.TagValue) {}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
