package statemachine

import (
	"context"
	"fmt"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Condition evaluation
// ─────────────────────────────────────────────────────────────────────────────

// evalScanCondition decides whether a scan-phase transition fires. A
// scripted condition wins over a structured tag trigger; a transition with
// neither (or only an event name) never fires from the scan.
func (e *Executor) evalScanCondition(ctx context.Context, t models.Transition) (bool, error) {
	if t.ScriptCondition != "" && e.deps.Script != nil {
		return e.deps.Script.EvaluateCondition(ctx, t.ScriptCondition, e.deps.scriptGlobals(), e.condTimeout)
	}
	if t.TagTrigger != nil {
		return e.evalTagTrigger(t.TagTrigger)
	}
	return false, nil
}

// evalEventCondition decides whether an event-selected transition fires. A
// structured tag trigger, when present, must pass; the legacy condition
// string is looked up in the caller's context map and only an explicit
// boolean there can veto the transition.
func (e *Executor) evalEventCondition(t models.Transition, eventCtx map[string]any) (bool, error) {
	if t.TagTrigger != nil {
		pass, err := e.evalTagTrigger(t.TagTrigger)
		if err != nil || !pass {
			return false, err
		}
	}
	if t.Condition != "" {
		if b, ok := eventCtx[t.Condition].(bool); ok {
			return b, nil
		}
	}
	return true, nil
}

// evalTagTrigger resolves the trigger's tag through the value cache and
// applies the operator. A tag that has never been polled cannot pass.
func (e *Executor) evalTagTrigger(tr *models.TagTrigger) (bool, error) {
	if e.deps.Tags == nil {
		return false, fmt.Errorf("machine: no tag reader configured")
	}
	tv, ok := e.deps.Tags.Get(tr.TagPath)
	if !ok {
		return false, nil
	}
	return models.CompareTagTrigger(tr.Operator, tv.Value, tr.Value)
}

// triggerLabel names what fired a transition; it lands in the audit trail
// and the snapshot.
func triggerLabel(t models.Transition) string {
	switch {
	case t.Event != "":
		return "event:" + t.Event
	case t.ScriptCondition != "":
		return "script"
	case t.TagTrigger != nil:
		return fmt.Sprintf("%s %s %s", t.TagTrigger.TagPath, t.TagTrigger.Operator, t.TagTrigger.Value)
	default:
		return "condition"
	}
}
