package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Manager
// ─────────────────────────────────────────────────────────────────────────────

// ManagerConfig controls the flow manager.
type ManagerConfig struct {
	// Registry resolves node types. nil builds one with the built-in
	// palette.
	Registry *Registry

	// Services are handed to node factories at compile time. The manager
	// installs itself as Services.Links.
	Services Services

	// Options caps every run this manager starts. Zero fields take the
	// executor defaults.
	Options Options
}

// Manager owns the compiled flow set. It recompiles on config reload,
// publishes per-flow deploy status, schedules timer triggers, fans link-out
// messages into link-in nodes, and starts runs for the trigger router and
// for FlowRunner callers (state machines, bus commands).
type Manager struct {
	reg    *Registry
	deps   Services
	opts   Options
	exec   *Executor
	logger *slog.Logger
	tasks  *task.Group
	sched  *scheduler

	mu    sync.RWMutex
	flows map[string]*CompiledFlow
	links map[string][]linkTarget

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

type linkTarget struct {
	flowID string
	nodeID string
}

// NewManager builds a manager. The only error source is a registry whose
// built-in registration fails, which indicates a duplicated type tag.
func NewManager(cfg ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
		if err := RegisterBuiltins(reg); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		reg:    reg,
		deps:   cfg.Services.withDefaults(),
		opts:   cfg.Options,
		logger: logger,
		tasks:  task.NewGroup(logger),
		flows:  make(map[string]*CompiledFlow),
		links:  make(map[string][]linkTarget),
	}
	m.deps.Links = m

	var tracer *Tracer
	if m.deps.Bus != nil && m.deps.Codec != nil {
		tracer = NewTracer(m.deps.Bus, m.deps.Codec, logger)
	}
	m.exec = NewExecutor(tracer, m.deps.Clock, logger)
	m.sched = newScheduler(m)
	return m, nil
}

// Start binds the manager to its root context. Runs and timers started
// before Start fall back to the background context.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("flow: manager already started")
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.logger.Info("flow: manager started")
	return nil
}

// Stop cancels in-flight runs, stops timer schedules and waits for run
// goroutines to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	m.sched.stop()
	if cancel != nil {
		cancel()
	}
	m.tasks.Wait()
	m.logger.Info("flow: manager stopped")
}

// ─────────────────────────────────────────────────────────────────────────────
// Refresh
// ─────────────────────────────────────────────────────────────────────────────

// RefreshFlows replaces the compiled set from a fresh config snapshot.
// Every enabled flow is compiled and gets a retained deploy-status message;
// one broken flow never blocks the others. Disabled flows are dropped
// without a deploy status. Timer schedules, link targets and stale
// context-store scopes are rebuilt afterwards.
func (m *Manager) RefreshFlows(defs []models.FlowDefinition) {
	compiled := make(map[string]*CompiledFlow, len(defs))
	links := make(map[string][]linkTarget)
	live := make([]string, 0, len(defs))

	for _, def := range defs {
		live = append(live, def.ID)
		if !def.Enabled {
			m.logger.Debug("flow: skipping disabled flow", "flow", def.ID)
			continue
		}

		cf, err := Compile(def, m.reg, m.deps)
		if err != nil {
			compilesTotal.WithLabelValues("error").Inc()
			m.logger.Warn("flow: compile failed", "flow", def.ID, "error", err.Error())
			m.publishDeployStatus(def, 0, err)
			continue
		}
		compilesTotal.WithLabelValues("ok").Inc()
		compiled[def.ID] = cf
		m.publishDeployStatus(def, cf.NodeCount(), nil)
		m.logger.Info("flow: compiled",
			"flow", def.ID,
			"name", def.Name,
			"nodes", cf.NodeCount(),
			"triggers", len(cf.Triggers()),
		)
		m.logger.Debug("flow: node order", "flow", def.ID, "order", cf.TopologicalOrder())

		for _, nd := range cf.NodesOfType("link-in") {
			name := cfgString(nd.Config, "linkName", "")
			links[name] = append(links[name], linkTarget{flowID: def.ID, nodeID: nd.ID})
		}
		for _, nd := range cf.NodesOfType("subflow-input") {
			name := SubflowInputLink(def.ID)
			links[name] = append(links[name], linkTarget{flowID: def.ID, nodeID: nd.ID})
		}
	}

	m.mu.Lock()
	m.flows = compiled
	m.links = links
	m.mu.Unlock()

	m.sched.refresh(compiled)

	if m.deps.Context != nil {
		if removed := m.deps.Context.PruneFlows(live); removed > 0 {
			m.logger.Info("flow: pruned stale context entries", "removed", removed)
		}
	}
}

func (m *Manager) publishDeployStatus(def models.FlowDefinition, nodeCount int, compileErr error) {
	if m.deps.Bus == nil || m.deps.Codec == nil {
		return
	}
	status := models.DeployStatusMessage{
		FlowID:     def.ID,
		FlowName:   def.Name,
		IsCompiled: compileErr == nil,
		NodeCount:  nodeCount,
		Error:      errText(compileErr),
		Timestamp:  m.deps.Clock.Now().UTC(),
	}
	data, err := m.deps.Codec.Encode(status)
	if err != nil {
		m.logger.Warn("flow: deploy status encode failed", "flow", def.ID, "error", err.Error())
		return
	}
	// Retained so UIs joining later still see the last compile result.
	if err := m.deps.Bus.Publish(mqtt.TopicFlowDeployStatus(def.ID), data, 1, true); err != nil {
		m.logger.Warn("flow: deploy status publish failed", "flow", def.ID, "error", err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Run entry points
// ─────────────────────────────────────────────────────────────────────────────

// TriggerFlow starts a flow on demand, seeding its manual-trigger nodes (or,
// when it has none, every trigger node). sourceLabel names the caller in the
// seed message and the run summary — state machines pass labels like
// "machine:boiler/enter:Running".
func (m *Manager) TriggerFlow(id, sourceLabel string) error {
	m.mu.RLock()
	cf := m.flows[id]
	m.mu.RUnlock()
	if cf == nil {
		return fmt.Errorf("flow: unknown or disabled flow %q", id)
	}

	starts := cf.NodesOfType("manual-trigger")
	var startIDs []string
	for _, nd := range starts {
		startIDs = append(startIDs, nd.ID)
	}
	if len(startIDs) == 0 {
		startIDs = cf.Triggers()
	}
	if len(startIDs) == 0 {
		return fmt.Errorf("flow: flow %q has no trigger nodes", id)
	}

	msg := Message{
		Topic: sourceLabel,
		Payload: map[string]any{
			"trigger":   sourceLabel,
			"timestamp": m.deps.Clock.Now().UTC(),
		},
	}
	for _, nodeID := range startIDs {
		m.startRun(cf, nodeID, msg, "direct")
	}
	return nil
}

// RunFrom seeds a run at one node of one flow. The trigger router and the
// timer scheduler enter here; unknown flows or nodes are logged and dropped
// because the caller's registration may predate the last reload.
func (m *Manager) RunFrom(flowID, nodeID string, msg Message, kind string) {
	m.mu.RLock()
	cf := m.flows[flowID]
	m.mu.RUnlock()
	if cf == nil || !cf.HasNode(nodeID) {
		m.logger.Warn("flow: trigger for unknown flow or node", "flow", flowID, "node", nodeID, "kind", kind)
		return
	}
	m.startRun(cf, nodeID, msg, kind)
}

// maxLinkHops caps how many cross-flow links one message may traverse.
// Without the cap a link-out wired back to its own flow's link-in would
// spawn runs forever.
const maxLinkHops = 16

// Send implements LinkSender: every link-in (or subflow-input) registered
// under the name gets its own run carrying the message.
func (m *Manager) Send(linkName string, msg Message) {
	hops, _ := models.ToFloat(msg.MetaValue("linkHops"))
	if int(hops) >= maxLinkHops {
		m.logger.Warn("flow: link chain too deep, dropping message", "link", linkName)
		return
	}
	msg = msg.WithMeta("linkHops", int(hops)+1)

	m.mu.RLock()
	targets := append([]linkTarget(nil), m.links[linkName]...)
	m.mu.RUnlock()
	for _, t := range targets {
		m.RunFrom(t.flowID, t.nodeID, msg, "link")
	}
}

func (m *Manager) startRun(cf *CompiledFlow, startID string, msg Message, kind string) {
	triggersTotal.WithLabelValues(kind).Inc()

	m.mu.RLock()
	ctx := m.runCtx
	m.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.tasks.Go("flow-run-"+cf.Def.ID, func() error {
		res := m.exec.Execute(ctx, cf, startID, msg, m.opts)
		if res.Outcome == models.RunOutcomeSuccess {
			m.logger.Debug("flow: run finished",
				"flow", cf.Def.ID,
				"run", res.RunID,
				"messages", res.MessagesHandled,
			)
		} else {
			m.logger.Warn("flow: run finished",
				"flow", cf.Def.ID,
				"run", res.RunID,
				"outcome", res.Outcome,
				"error", res.ErrorDetail,
			)
		}
		return nil
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot accessors
// ─────────────────────────────────────────────────────────────────────────────

// CompiledCount reports how many flows are currently deployed.
func (m *Manager) CompiledCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flows)
}

// Compiled returns the deployed flows sorted by id. The trigger router scans
// the result for mqtt-in and tag-change-trigger nodes.
func (m *Manager) Compiled() []*CompiledFlow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CompiledFlow, 0, len(m.flows))
	for _, cf := range m.flows {
		out = append(out, cf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.ID < out[j].Def.ID })
	return out
}
