package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Executor
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the state machine executor.
type Config struct {
	// ScanInterval paces the condition scan. Zero selects
	// DefaultScanInterval.
	ScanInterval time.Duration

	// ConditionTimeout bounds one scripted condition evaluation. Zero
	// selects DefaultConditionTimeout.
	ConditionTimeout time.Duration

	// Services are the collaborators transitions act through.
	Services Services
}

// Executor owns the loaded machine set. One goroutine runs the periodic
// scan; FireEvent enters from bus command handlers. Both paths serialize on
// the per-machine lock, so a machine never runs two transitions at once.
type Executor struct {
	deps        Services
	scanEvery   time.Duration
	condTimeout time.Duration
	logger      *slog.Logger
	tasks       *task.Group

	mu       sync.RWMutex
	machines map[string]*machineRuntime
	order    []string

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds an executor with no machines loaded.
func New(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.ConditionTimeout <= 0 {
		cfg.ConditionTimeout = DefaultConditionTimeout
	}
	return &Executor{
		deps:        cfg.Services.withDefaults(),
		scanEvery:   cfg.ScanInterval,
		condTimeout: cfg.ConditionTimeout,
		logger:      logger,
		tasks:       task.NewGroup(logger),
		machines:    make(map[string]*machineRuntime),
	}
}

// Start launches the scan loop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("machine: executor already started")
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.started = true
	runCtx := e.runCtx
	e.mu.Unlock()

	e.tasks.Go("machine-scan", func() error {
		tick := e.deps.Clock.Ticker(e.scanEvery)
		defer tick.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-tick.C:
				e.scanOnce(runCtx)
			}
		}
	})
	e.logger.Info("machine: executor started", "scanInterval", e.scanEvery)
	return nil
}

// Stop halts the scan, cancels running condition scripts and waits for
// fire-and-forget actions to drain.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.tasks.Wait()
	e.logger.Info("machine: executor stopped")
}

func (e *Executor) runContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// ─────────────────────────────────────────────────────────────────────────────
// Reload
// ─────────────────────────────────────────────────────────────────────────────

// ReloadMachines replaces the runtime set from a fresh config snapshot.
// Every machine restarts in its initial state — current state is not carried
// over. Disabled, invalid or empty machines are skipped; one bad machine
// never blocks the others. Transitions already running finish on the old
// runtimes, and each new runtime announces its initial state with a retained
// snapshot.
func (e *Executor) ReloadMachines(cfgs []models.StateMachineConfig) {
	loaded := make(map[string]*machineRuntime, len(cfgs))
	order := make([]string, 0, len(cfgs))
	now := e.deps.Clock.Now().UTC()

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			e.logger.Debug("machine: skipping disabled machine", "machine", cfg.ID)
			continue
		}
		if err := cfg.Validate(); err != nil {
			e.logger.Warn("machine: invalid machine skipped", "machine", cfg.ID, "error", err.Error())
			continue
		}
		if cfg.InitialState() == nil {
			e.logger.Warn("machine: machine has no states, skipped", "machine", cfg.ID)
			continue
		}
		if _, dup := loaded[cfg.ID]; dup {
			e.logger.Warn("machine: duplicate machine id skipped", "machine", cfg.ID)
			continue
		}
		loaded[cfg.ID] = newMachineRuntime(cfg, now)
		order = append(order, cfg.ID)
	}

	e.mu.Lock()
	e.machines = loaded
	e.order = order
	e.mu.Unlock()

	machinesLoaded.Set(float64(len(loaded)))
	for _, id := range order {
		rt := loaded[id]
		e.publishSnapshot(rt.snapshot())
		e.logger.Info("machine: loaded",
			"machine", rt.cfg.ID,
			"name", rt.cfg.Name,
			"initialState", rt.current.ID,
			"states", len(rt.cfg.States),
			"transitions", len(rt.cfg.Transitions),
		)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan
// ─────────────────────────────────────────────────────────────────────────────

// scanOnce walks every machine and fires at most one transition per machine.
func (e *Executor) scanOnce(ctx context.Context) {
	e.mu.RLock()
	order := e.order
	machines := e.machines
	e.mu.RUnlock()

	for _, id := range order {
		e.scanMachine(ctx, machines[id])
	}
}

// scanMachine evaluates the current state's outgoing transitions in priority
// order and fires the first that passes. Event-named transitions are left to
// FireEvent; condition errors skip to the next candidate.
func (e *Executor) scanMachine(ctx context.Context, rt *machineRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, t := range rt.outgoing[rt.current.ID] {
		if t.Event != "" {
			continue
		}
		pass, err := e.evalScanCondition(ctx, t)
		if err != nil {
			e.logger.Warn("machine: condition evaluation failed",
				"machine", rt.cfg.ID, "from", t.FromStateID, "to", t.ToStateID, "error", err.Error())
			continue
		}
		if !pass {
			continue
		}
		e.fire(ctx, rt, t, triggerLabel(t), "scan")
		return
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Events
// ─────────────────────────────────────────────────────────────────────────────

// FireEvent fires the named event at one machine. Candidate transitions
// leave the current state and carry the event name; they are tried in
// priority order, gated by their tag trigger (when present) and by the
// legacy condition key resolved against eventCtx. The first that passes
// fires; an event no transition accepts is dropped quietly.
func (e *Executor) FireEvent(machineID, event string, eventCtx map[string]any) error {
	e.mu.RLock()
	rt := e.machines[machineID]
	e.mu.RUnlock()
	if rt == nil {
		return fmt.Errorf("machine: unknown machine %q", machineID)
	}

	ctx := e.runContext()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, t := range rt.outgoing[rt.current.ID] {
		if t.Event != event {
			continue
		}
		pass, err := e.evalEventCondition(t, eventCtx)
		if err != nil {
			e.logger.Warn("machine: event condition failed",
				"machine", machineID, "event", event, "to", t.ToStateID, "error", err.Error())
			continue
		}
		if !pass {
			continue
		}
		e.fire(ctx, rt, t, triggerLabel(t), "event")
		return nil
	}

	e.logger.Debug("machine: event matched no transition",
		"machine", machineID, "event", event, "state", rt.current.ID)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transition
// ─────────────────────────────────────────────────────────────────────────────

// fire runs one transition through its five phases. Caller holds rt.mu. The
// state change in phase 3 is unconditional: earlier action failures have
// already been logged and later ones cannot revert it.
func (e *Executor) fire(ctx context.Context, rt *machineRuntime, t models.Transition, label, kind string) {
	from := rt.current
	to := rt.cfg.StateByID(t.ToStateID)
	if to == nil {
		// Validate guarantees the endpoint exists; reaching this means the
		// config mutated after load.
		e.logger.Error("machine: transition target missing", "machine", rt.cfg.ID, "to", t.ToStateID)
		return
	}

	e.runActions(ctx, rt, actionSet{
		phase: "exit:" + from.Name,
		tags:  from.OnExitTags,
		code:  from.OnExitScript,
		flows: from.OnExitFlows,
	})

	e.runActions(ctx, rt, actionSet{
		phase: "transition",
		tags:  t.TagActions,
		code:  t.ScriptAction,
		flows: t.TriggerFlows,
	})

	rt.changeState(to, label, e.deps.Clock.Now().UTC())
	transitionsTotal.WithLabelValues(kind).Inc()
	e.logger.Info("machine: transition",
		"machine", rt.cfg.ID,
		"from", from.ID,
		"to", to.ID,
		"trigger", label,
		"kind", kind,
	)

	e.runActions(ctx, rt, actionSet{
		phase: "enter:" + to.Name,
		tags:  to.OnEnterTags,
		code:  to.OnEnterScript,
		flows: to.OnEnterFlows,
	})

	e.publishSnapshot(rt.snapshotLocked())
}

// publishSnapshot pushes a machine's retained state snapshot to the bus.
func (e *Executor) publishSnapshot(snap models.MachineSnapshotMessage) {
	if e.deps.Bus == nil || e.deps.Codec == nil {
		return
	}
	data, err := e.deps.Codec.Encode(snap)
	if err != nil {
		e.logger.Warn("machine: snapshot encode failed", "machine", snap.MachineID, "error", err.Error())
		return
	}
	// Retained so UIs joining later still see the current state.
	if err := e.deps.Bus.Publish(mqtt.TopicMachineState(snap.MachineID), data, 1, true); err != nil {
		e.logger.Warn("machine: snapshot publish failed", "machine", snap.MachineID, "error", err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot accessors
// ─────────────────────────────────────────────────────────────────────────────

// MachineCount reports how many machines are currently loaded.
func (e *Executor) MachineCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.machines)
}

// Snapshot returns one machine's current snapshot.
func (e *Executor) Snapshot(machineID string) (models.MachineSnapshotMessage, bool) {
	e.mu.RLock()
	rt := e.machines[machineID]
	e.mu.RUnlock()
	if rt == nil {
		return models.MachineSnapshotMessage{}, false
	}
	return rt.snapshot(), true
}

// Snapshots returns every loaded machine's snapshot, sorted by machine id.
func (e *Executor) Snapshots() []models.MachineSnapshotMessage {
	e.mu.RLock()
	rts := make([]*machineRuntime, 0, len(e.machines))
	for _, rt := range e.machines {
		rts = append(rts, rt)
	}
	e.mu.RUnlock()

	snaps := make([]models.MachineSnapshotMessage, 0, len(rts))
	for _, rt := range rts {
		snaps = append(snaps, rt.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].MachineID < snaps[j].MachineID })
	return snaps
}

// Audit returns a copy of one machine's audit trail, oldest entry first.
func (e *Executor) Audit(machineID string) ([]models.AuditEntry, bool) {
	e.mu.RLock()
	rt := e.machines[machineID]
	e.mu.RUnlock()
	if rt == nil {
		return nil, false
	}
	return rt.auditTrail(), true
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
