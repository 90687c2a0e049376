// Package app assembles the tag engine and manages its lifecycle.
//
// Start builds every subsystem in dependency order — config store → bus →
// context store → history → poll engine → flow manager → trigger router →
// state machines → health → config watcher — then answers bus commands
// (config/reload, commands/write/<connId>/<tagId>) and publishes the
// retained engine/status aggregate every 5 s. Stop unwinds in reverse and
// finishes with one status carrying isRunning=false, so UIs see a clean
// shutdown instead of a stale "running".
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jsonformat "github.com/vpbank/tag_engine/format/json"
	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/config"
	"github.com/vpbank/tag_engine/pkg/tagengine/ctxstore"
	"github.com/vpbank/tag_engine/pkg/tagengine/driver"
	"github.com/vpbank/tag_engine/pkg/tagengine/flow"
	"github.com/vpbank/tag_engine/pkg/tagengine/health"
	"github.com/vpbank/tag_engine/pkg/tagengine/history"
	"github.com/vpbank/tag_engine/pkg/tagengine/poll"
	"github.com/vpbank/tag_engine/pkg/tagengine/router"
	"github.com/vpbank/tag_engine/pkg/tagengine/script"
	"github.com/vpbank/tag_engine/pkg/tagengine/statemachine"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
	filesink "github.com/vpbank/tag_engine/transport/file"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

const (
	// statusInterval spaces the retained engine/status publishes.
	statusInterval = 5 * time.Second

	// retentionInterval spaces history cleanup passes.
	retentionInterval = 24 * time.Hour

	// writeTimeout bounds one bus-commanded tag write.
	writeTimeout = 10 * time.Second

	// telemetryStopTimeout bounds the metrics listener shutdown.
	telemetryStopTimeout = 5 * time.Second
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Bus extends the component-facing mqtt.Bus with the lifecycle calls the
// app alone owns. The mqtt.Client implements it; tests substitute an
// in-memory fake.
type Bus interface {
	mqtt.Bus

	Connect(ctx context.Context) error
	Close() error
}

// Config holds the top-level inputs for the engine application.
type Config struct {
	// Settings are the process-level startup inputs, typically produced
	// by config.LoadSettings (which applies the documented defaults).
	Settings config.Settings

	// Bus overrides the broker client; nil dials Settings.BrokerURL.
	Bus Bus

	// Clock drives the status loop and every subsystem timer; tests
	// inject a mock.
	Clock clock.Clock
}

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App owns the assembled engine. Create one with New, bring it up with
// Start, and always call Stop — Stop performs the final flushes.
type App struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock
	tasks  *task.Group

	bus       Bus
	codec     *jsonformat.PayloadCodec
	store     *config.Store
	watcher   *config.Watcher
	context   *ctxstore.Store
	history   *history.Store
	responder *history.Responder
	files     *filesink.Sink
	poll      *poll.Engine
	flows     *flow.Manager
	router    *router.Router
	machines  *statemachine.Executor
	health    *health.Monitor
	telemetry *http.Server

	// configLoaded tracks whether the most recent document load succeeded;
	// the health monitor samples it.
	configLoaded atomic.Bool

	// conns is the latest connections document, kept for router refreshes
	// triggered by flow reloads.
	connsMu sync.Mutex
	conns   []models.ConnectionConfig

	// unsubs releases the bus command subscriptions.
	unsubs []func()

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds an App from cfg. Nothing runs until Start.
func New(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		clk:    cfg.Clock,
		tasks:  task.NewGroup(logger),
	}
}

// Start brings the engine up. Fatal conditions — inaccessible config
// directory, unusable history database — return an error; everything else
// (corrupt documents, unreachable broker before ctx cancellation, failed
// telemetry bind) is logged and the engine keeps going on whatever loaded.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app: already started")
	}

	set := a.cfg.Settings

	// ── Config store ─────────────────────────────────────────────────────
	store, err := config.NewStore(set.ConfigDir, a.logger)
	if err != nil {
		return fmt.Errorf("app: open config store: %w", err)
	}
	a.store = store

	snap, err := store.LoadAll()
	a.configLoaded.Store(err == nil)
	if err != nil {
		a.logger.Error("app: config documents have problems, continuing with what loaded",
			"error", err.Error(),
		)
	}
	a.setConns(snap.Connections)
	a.logger.Info("app: configuration loaded",
		"connections", len(snap.Connections),
		"flows", len(snap.Flows),
		"machines", len(snap.StateMachines),
	)

	// ── Bus ──────────────────────────────────────────────────────────────
	a.codec = jsonformat.New(jsonformat.Config{}, a.logger)
	a.bus = a.cfg.Bus
	if a.bus == nil {
		a.bus = mqtt.New(mqtt.Config{
			BrokerURL: set.BrokerURL,
			ClientID:  set.BrokerClientID,
			Username:  set.BrokerUsername,
			Password:  set.BrokerPassword,
		}, a.logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel

	// Blocks with backoff until the broker answers or ctx is cancelled.
	if err := a.bus.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("app: connect bus: %w", err)
	}

	// ── Context store ────────────────────────────────────────────────────
	cstore, err := ctxstore.New(store, ctxstore.Config{Clock: a.clk}, a.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("app: open context store: %w", err)
	}
	a.context = cstore
	a.context.Start(runCtx)

	// ── History ──────────────────────────────────────────────────────────
	hist, err := history.Open(history.Config{Path: set.HistoryDBPath, Clock: a.clk}, a.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("app: open history: %w", err)
	}
	a.history = hist
	a.history.Start(runCtx)

	a.responder = history.NewResponder(hist, a.bus, a.codec, a.logger)
	if err := a.responder.Start(); err != nil {
		cancel()
		return err
	}

	// ── Poll engine ──────────────────────────────────────────────────────
	a.poll = poll.NewEngine(poll.Options{
		Registry: driver.NewRegistry(),
		Bus:      a.bus,
		Codec:    a.codec,
		History:  hist,
		Clock:    a.clk,
	}, a.logger)
	if err := a.poll.Start(runCtx, snap.Connections); err != nil {
		cancel()
		return fmt.Errorf("app: start poll engine: %w", err)
	}

	// ── Flow manager ─────────────────────────────────────────────────────
	a.files = filesink.NewSink(filesink.Config{Root: set.FilesDir}, a.logger)
	host := script.NewHost(script.Options{Clock: a.clk}, a.logger)

	mgr, err := flow.NewManager(flow.ManagerConfig{
		Services: flow.Services{
			Tags:    a.poll.Cache(),
			Writer:  a.poll,
			Bus:     a.bus,
			Codec:   a.codec,
			History: hist,
			Context: cstore,
			Script:  host,
			Files:   a.files,
			Clock:   a.clk,
			Logger:  a.logger,
		},
	}, a.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("app: build flow manager: %w", err)
	}
	a.flows = mgr
	if err := a.flows.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("app: start flow manager: %w", err)
	}
	a.flows.RefreshFlows(snap.Flows)

	// ── Trigger router ───────────────────────────────────────────────────
	a.router = router.New(a.bus, a.codec, mgr, a.logger)
	a.router.Refresh(snap.Connections)

	// ── State machines ───────────────────────────────────────────────────
	a.machines = statemachine.New(statemachine.Config{
		Services: statemachine.Services{
			Tags:    a.poll.Cache(),
			Writer:  a.poll,
			Bus:     a.bus,
			Codec:   a.codec,
			Flows:   mgr,
			Script:  host,
			Context: cstore,
			Clock:   a.clk,
		},
	}, a.logger)
	if err := a.machines.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("app: start state machines: %w", err)
	}
	a.machines.ReloadMachines(snap.StateMachines)

	// ── Health ───────────────────────────────────────────────────────────
	a.health = health.New(health.Probes{
		BusConnected:   a.bus.Connected,
		PollRunning:    a.poll.Running,
		ConfigLoaded:   a.configLoaded.Load,
		CompiledFlows:  a.flows.CompiledCount,
		LoadedMachines: a.machines.MachineCount,
	}, health.Config{Clock: a.clk}, a.logger)
	if err := a.health.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("app: start health monitor: %w", err)
	}

	// ── Config watcher ───────────────────────────────────────────────────
	a.watcher = config.NewWatcher(config.WatcherConfig{
		Dir:      set.ConfigDir,
		Debounce: set.Debounce(),
		Clock:    a.clk,
	}, a.logger)
	a.watcher.OnReload(config.KindConnections, "app", func() { a.reloadConnections("watcher") })
	a.watcher.OnReload(config.KindFlows, "app", func() { a.reloadFlows("watcher") })
	a.watcher.OnReload(config.KindStateMachines, "app", func() { a.reloadMachines("watcher") })
	a.watcher.OnReload(config.KindOther, "app", func() { a.reloadAll("watcher") })
	if err := a.watcher.Start(runCtx); err != nil {
		// Bus-commanded reloads still work without file watching.
		a.logger.Error("app: config watcher failed, file edits will not auto-reload",
			"error", err.Error(),
		)
		a.watcher = nil
	}

	// ── Bus commands ─────────────────────────────────────────────────────
	if err := a.subscribeCommands(); err != nil {
		cancel()
		return err
	}

	a.startTelemetry()
	a.startStatusLoop(runCtx)
	a.startRetentionLoop(runCtx)
	a.publishStatus(true)

	a.started = true
	a.logger.Info("app: engine running",
		"connections", len(snap.Connections),
		"flows", a.flows.CompiledCount(),
		"machines", a.machines.MachineCount(),
		"broker", set.BrokerURL,
	)
	return nil
}

// Stop tears the engine down in reverse dependency order: state machines →
// flows → router → poll → history → context store → bus, with one final
// retained status published while the bus is still up.
func (a *App) Stop() {
	if !a.started {
		return
	}
	a.started = false
	a.logger.Info("app: shutting down")

	// Nothing may reconfigure the engine while it unwinds.
	if a.watcher != nil {
		a.watcher.Stop()
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil

	a.machines.Stop()
	a.flows.Stop()
	a.router.Close()
	a.responder.Stop()
	a.poll.Stop()

	a.stopTelemetry()
	a.cancel()
	a.tasks.Wait()

	a.publishStatus(false)
	a.health.Stop()

	if err := a.history.Close(); err != nil {
		a.logger.Error("app: history close error", "error", err.Error())
	}
	if err := a.context.Close(); err != nil {
		a.logger.Error("app: context store close error", "error", err.Error())
	}
	if err := a.files.Close(); err != nil {
		a.logger.Error("app: file sink close error", "error", err.Error())
	}
	if err := a.bus.Close(); err != nil {
		a.logger.Error("app: bus close error", "error", err.Error())
	}

	a.logger.Info("app: shutdown complete")
}

// ─────────────────────────────────────────────────────────────────────────────
// Reload paths
// ─────────────────────────────────────────────────────────────────────────────

// reloadConnections swaps the poller set and refreshes router subscriptions
// (tag topics are connection-scoped). A load failure keeps the running set.
func (a *App) reloadConnections(source string) {
	conns, err := a.store.LoadConnections()
	if err != nil {
		a.configLoaded.Store(false)
		a.logger.Error("app: connections reload failed", "source", source, "error", err.Error())
		return
	}
	a.configLoaded.Store(true)
	a.setConns(conns)
	a.poll.Reload(conns)
	a.router.Refresh(conns)
	a.logger.Info("app: connections reloaded", "source", source, "connections", len(conns))
}

func (a *App) reloadFlows(source string) {
	defs, err := a.store.LoadFlows()
	if err != nil {
		a.configLoaded.Store(false)
		a.logger.Error("app: flows reload failed", "source", source, "error", err.Error())
		return
	}
	a.configLoaded.Store(true)
	a.flows.RefreshFlows(defs)
	a.router.Refresh(a.currentConns())
	a.context.PruneFlows(flowIDs(defs))
	a.logger.Info("app: flows reloaded", "source", source, "flows", len(defs))
}

func (a *App) reloadMachines(source string) {
	machines, err := a.store.LoadStateMachines()
	if err != nil {
		a.configLoaded.Store(false)
		a.logger.Error("app: state machines reload failed", "source", source, "error", err.Error())
		return
	}
	a.configLoaded.Store(true)
	a.machines.ReloadMachines(machines)
	a.logger.Info("app: state machines reloaded", "source", source, "machines", len(machines))
}

// reloadAll replays every document. Unlike startup, a load error here keeps
// the last good configuration untouched.
func (a *App) reloadAll(source string) {
	snap, err := a.store.LoadAll()
	if err != nil {
		a.configLoaded.Store(false)
		a.logger.Error("app: reload failed, keeping running configuration",
			"source", source, "error", err.Error())
		return
	}
	a.configLoaded.Store(true)
	a.setConns(snap.Connections)
	a.poll.Reload(snap.Connections)
	a.flows.RefreshFlows(snap.Flows)
	a.router.Refresh(snap.Connections)
	a.context.PruneFlows(flowIDs(snap.Flows))
	a.machines.ReloadMachines(snap.StateMachines)
	a.logger.Info("app: configuration reloaded",
		"source", source,
		"connections", len(snap.Connections),
		"flows", len(snap.Flows),
		"machines", len(snap.StateMachines),
	)
}

func (a *App) setConns(conns []models.ConnectionConfig) {
	a.connsMu.Lock()
	a.conns = conns
	a.connsMu.Unlock()
}

func (a *App) currentConns() []models.ConnectionConfig {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	return a.conns
}

func flowIDs(defs []models.FlowDefinition) []string {
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		ids = append(ids, def.ID)
	}
	return ids
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus commands
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) subscribeCommands() error {
	unsubReload, err := a.bus.Subscribe(mqtt.TopicConfigReload, 1, a.handleReloadCommand)
	if err != nil {
		return fmt.Errorf("app: subscribe %s: %w", mqtt.TopicConfigReload, err)
	}
	a.unsubs = append(a.unsubs, unsubReload)

	unsubWrite, err := a.bus.Subscribe(mqtt.FilterWriteCommands, 1, a.handleWriteCommand)
	if err != nil {
		return fmt.Errorf("app: subscribe %s: %w", mqtt.FilterWriteCommands, err)
	}
	a.unsubs = append(a.unsubs, unsubWrite)
	return nil
}

// handleReloadCommand answers config/reload. An empty payload (or kind
// "all") replays every document; a named kind replays just that one.
func (a *App) handleReloadCommand(_ string, payload []byte) {
	var cmd models.ReloadCommandMessage
	if len(payload) > 0 {
		if err := a.codec.Decode(payload, &cmd); err != nil {
			a.logger.Warn("app: malformed reload command", "error", err.Error())
			return
		}
	}
	switch cmd.Kind {
	case "", "all":
		a.reloadAll("bus")
	case "connections":
		a.reloadConnections("bus")
	case "flows":
		a.reloadFlows("bus")
	case "state-machines":
		a.reloadMachines("bus")
	default:
		a.logger.Warn("app: unknown reload kind", "kind", cmd.Kind)
	}
}

// handleWriteCommand routes commands/write/<connId>/<tagId> to the poll
// engine, which owns the driver.
func (a *App) handleWriteCommand(topic string, payload []byte) {
	connID, tagID, ok := mqtt.ParseWriteCommandTopic(topic)
	if !ok {
		a.logger.Warn("app: malformed write command topic", "topic", topic)
		return
	}
	var cmd models.WriteCommandMessage
	if err := a.codec.Decode(payload, &cmd); err != nil {
		a.logger.Warn("app: malformed write command",
			"topic", topic, "error", err.Error())
		return
	}

	ctx, stop := context.WithTimeout(a.runCtx, writeTimeout)
	defer stop()
	if err := a.poll.WriteTag(ctx, connID, tagID, cmd.Value); err != nil {
		writeCommandsTotal.WithLabelValues("error").Inc()
		a.logger.Warn("app: write command failed",
			"connection", connID, "tag", tagID, "error", err.Error())
		return
	}
	writeCommandsTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("app: write command applied", "connection", connID, "tag", tagID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Periodic loops
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) startStatusLoop(ctx context.Context) {
	a.tasks.Go("engine-status", func() error {
		tick := a.clk.Ticker(statusInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				a.publishStatus(true)
			}
		}
	})
}

// publishStatus publishes the retained engine aggregate. The final publish
// (running=false) rides PublishRetry so a slow broker does not lose the
// shutdown marker.
func (a *App) publishStatus(running bool) {
	stats := a.poll.Stats()
	st := a.health.Status()
	msg := models.EngineStatusMessage{
		IsRunning:         running,
		ActiveConnections: stats.ActiveConnections,
		ActiveTags:        stats.ActiveTags,
		TotalPolls:        stats.TotalPolls,
		AveragePollTimeMs: stats.AveragePollTimeMs,
		StartTime:         stats.StartTime,
		Timestamp:         a.clk.Now().UTC(),
		Health:            &st,
	}
	data, err := a.codec.Encode(msg)
	if err != nil {
		a.logger.Error("app: encode status", "error", err.Error())
		return
	}

	publish := a.bus.Publish
	if !running {
		publish = a.bus.PublishRetry
	}
	if err := publish(mqtt.TopicEngineStatus, data, 1, true); err != nil {
		a.logger.Warn("app: status publish failed", "error", err.Error())
		return
	}
	statusPublishesTotal.Inc()
}

// startRetentionLoop prunes history past the configured retention, once at
// startup and then daily. Disabled when HistoryRetentionDays is zero.
func (a *App) startRetentionLoop(ctx context.Context) {
	days := a.cfg.Settings.HistoryRetentionDays
	if days <= 0 {
		return
	}
	retention := time.Duration(days) * 24 * time.Hour

	a.tasks.Go("history-retention", func() error {
		a.cleanupHistory(ctx, retention)
		tick := a.clk.Ticker(retentionInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				a.cleanupHistory(ctx, retention)
			}
		}
	})
}

func (a *App) cleanupHistory(ctx context.Context, retention time.Duration) {
	removed, err := a.history.Cleanup(ctx, retention)
	if err != nil {
		a.logger.Warn("app: history cleanup failed", "error", err.Error())
		return
	}
	if removed > 0 {
		a.logger.Info("app: history cleanup", "removed", removed, "retention", retention)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Telemetry listener
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) startTelemetry() {
	addr := a.cfg.Settings.TelemetryListen
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	a.telemetry = srv

	a.tasks.Go("telemetry", func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("app: telemetry listener failed", "addr", addr, "error", err.Error())
		}
		return nil
	})
	a.logger.Info("app: telemetry listening", "addr", addr)
}

func (a *App) stopTelemetry() {
	if a.telemetry == nil {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), telemetryStopTimeout)
	defer stop()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("app: telemetry shutdown", "error", err.Error())
	}
	a.telemetry = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
