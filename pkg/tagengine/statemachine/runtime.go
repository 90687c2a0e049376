package statemachine

import (
	"sort"
	"sync"
	"time"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Per-machine runtime
// ─────────────────────────────────────────────────────────────────────────────

// machineRuntime is the live counterpart of one StateMachineConfig. The
// mutex serializes transitions: the scan and FireEvent both take it before
// evaluating conditions, so one machine never runs two transitions at once.
// A reload swaps the runtime map atomically; transitions already holding an
// old runtime's lock finish on it.
type machineRuntime struct {
	cfg models.StateMachineConfig

	// outgoing maps a state id to its transitions sorted by ascending
	// priority; config order breaks ties.
	outgoing map[string][]models.Transition

	mu           sync.Mutex
	current      *models.State
	previous     *models.State
	triggerLabel string
	lastOutcome  bool
	changedAt    time.Time
	audit        []models.AuditEntry
}

// newMachineRuntime builds a runtime at the machine's initial state. The
// caller has already validated cfg and checked it has at least one state.
func newMachineRuntime(cfg models.StateMachineConfig, now time.Time) *machineRuntime {
	rt := &machineRuntime{
		cfg:         cfg,
		outgoing:    make(map[string][]models.Transition),
		current:     cfg.InitialState(),
		lastOutcome: true,
		changedAt:   now,
	}
	for _, t := range cfg.Transitions {
		rt.outgoing[t.FromStateID] = append(rt.outgoing[t.FromStateID], t)
	}
	for id := range rt.outgoing {
		ts := rt.outgoing[id]
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Priority < ts[j].Priority })
	}
	return rt
}

// changeState is transition phase 3: record the old state, move to the new
// one, stamp the trigger, and append an audit entry. Caller holds rt.mu.
func (rt *machineRuntime) changeState(to *models.State, label string, now time.Time) {
	from := rt.current
	rt.previous = from
	rt.current = to
	rt.triggerLabel = label
	rt.lastOutcome = true
	rt.changedAt = now

	entry := models.AuditEntry{
		DstID:        to.ID,
		DstName:      to.Name,
		TriggerLabel: label,
		UTC:          now,
	}
	if from != nil {
		entry.SrcID, entry.SrcName = from.ID, from.Name
	}
	rt.audit = append(rt.audit, entry)
	if len(rt.audit) > auditCap {
		rt.audit = rt.audit[len(rt.audit)-auditCap:]
	}
}

// snapshotLocked assembles the bus snapshot. Caller holds rt.mu.
func (rt *machineRuntime) snapshotLocked() models.MachineSnapshotMessage {
	s := models.MachineSnapshotMessage{
		MachineID:     rt.cfg.ID,
		MachineName:   rt.cfg.Name,
		WasSuccessful: rt.lastOutcome,
		TriggerLabel:  rt.triggerLabel,
		AuditCount:    len(rt.audit),
		ChangedUTC:    rt.changedAt,
	}
	if rt.current != nil {
		s.NowStateID, s.NowStateName = rt.current.ID, rt.current.Name
	}
	if rt.previous != nil {
		s.BeforeStateID, s.BeforeStateName = rt.previous.ID, rt.previous.Name
	}
	return s
}

func (rt *machineRuntime) snapshot() models.MachineSnapshotMessage {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.snapshotLocked()
}

// auditTrail copies the audit entries, oldest first.
func (rt *machineRuntime) auditTrail() []models.AuditEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]models.AuditEntry(nil), rt.audit...)
}
