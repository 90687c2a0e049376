// Package health aggregates component liveness into the single status that
// rides in engine/status. The monitor samples probe closures on demand and
// logs a summary line on a fixed interval, so an unhealthy engine is visible
// in the log stream even when nobody watches the bus.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
)

// DefaultLogInterval spaces the periodic summary lines.
const DefaultLogInterval = 30 * time.Second

// Probes are the component surfaces the monitor samples. A nil probe reads
// as false (or zero): a component nobody wired up cannot vouch for itself.
type Probes struct {
	BusConnected   func() bool
	PollRunning    func() bool
	ConfigLoaded   func() bool
	CompiledFlows  func() int
	LoadedMachines func() int
}

// Config controls the monitor.
type Config struct {
	// LogInterval spaces summary log lines. Zero selects
	// DefaultLogInterval.
	LogInterval time.Duration

	// Clock drives the summary ticker and uptime. nil defaults to the wall
	// clock.
	Clock clock.Clock
}

// Monitor samples the probes. Status may be called before Start; the summary
// loop only adds the periodic log line.
type Monitor struct {
	probes Probes
	every  time.Duration
	clk    clock.Clock
	logger *slog.Logger
	tasks  *task.Group

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	started   bool
}

// New builds a monitor.
func New(probes Probes, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultLogInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Monitor{
		probes: probes,
		every:  cfg.LogInterval,
		clk:    cfg.Clock,
		logger: logger,
		tasks:  task.NewGroup(logger),
	}
}

// Status samples every probe and folds the booleans into IsHealthy.
func (m *Monitor) Status() models.HealthStatus {
	s := models.HealthStatus{
		BusConnected:      probeBool(m.probes.BusConnected),
		PollEngineRunning: probeBool(m.probes.PollRunning),
		ConfigLoaded:      probeBool(m.probes.ConfigLoaded),
		CompiledFlows:     probeInt(m.probes.CompiledFlows),
		LoadedMachines:    probeInt(m.probes.LoadedMachines),
	}
	s.IsHealthy = s.BusConnected && s.PollEngineRunning && s.ConfigLoaded

	m.mu.Lock()
	if !m.startedAt.IsZero() {
		s.UptimeSec = m.clk.Now().Sub(m.startedAt).Seconds()
	}
	m.mu.Unlock()

	if s.IsHealthy {
		healthyGauge.Set(1)
	} else {
		healthyGauge.Set(0)
	}
	return s
}

// Start anchors the uptime baseline and launches the summary loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("health: monitor already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.startedAt = m.clk.Now()
	m.mu.Unlock()

	m.tasks.Go("health-summary", func() error {
		tick := m.clk.Ticker(m.every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				m.logSummary()
			}
		}
	})
	return nil
}

// Stop halts the summary loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.tasks.Wait()
}

func (m *Monitor) logSummary() {
	s := m.Status()
	attrs := []any{
		"healthy", s.IsHealthy,
		"bus", s.BusConnected,
		"poll", s.PollEngineRunning,
		"config", s.ConfigLoaded,
		"flows", s.CompiledFlows,
		"machines", s.LoadedMachines,
		"uptimeSec", int64(s.UptimeSec),
	}
	if s.IsHealthy {
		m.logger.Info("health: summary", attrs...)
	} else {
		m.logger.Warn("health: summary", attrs...)
	}
}

func probeBool(fn func() bool) bool {
	if fn == nil {
		return false
	}
	return fn()
}

func probeInt(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
