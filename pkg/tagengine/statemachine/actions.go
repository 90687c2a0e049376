package statemachine

import (
	"context"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Actions
// ─────────────────────────────────────────────────────────────────────────────

// actionSet is one phase's worth of work: a state's on-enter or on-exit
// lists, or the transition's own actions. Order within a phase is tag
// writes, then script, then flow triggers.
type actionSet struct {
	phase string // "exit", "transition", "enter" — names the phase in labels and logs
	tags  []models.TagAction
	code  string
	flows []string
}

// runActions executes one phase. Failures are counted and logged but never
// abort the phase or revert the transition.
func (e *Executor) runActions(ctx context.Context, rt *machineRuntime, set actionSet) {
	e.writeTags(ctx, rt, set.phase, set.tags)
	e.runScriptAction(ctx, rt, set.phase, set.code)
	e.triggerFlows(rt, set.phase, set.flows)
}

// writeTags launches every tag action on its own goroutine. The transition
// does not wait for the writes; each goroutine observes and logs its own
// failure.
func (e *Executor) writeTags(ctx context.Context, rt *machineRuntime, phase string, actions []models.TagAction) {
	if len(actions) == 0 {
		return
	}
	if e.deps.Writer == nil {
		actionFailuresTotal.WithLabelValues("tag-write").Add(float64(len(actions)))
		e.logger.Warn("machine: tag actions skipped, no tag writer",
			"machine", rt.cfg.ID, "phase", phase, "count", len(actions))
		return
	}
	for _, a := range actions {
		a := a
		e.tasks.Go("machine-tag-write", func() error {
			err := e.deps.Writer.WriteTagByPath(ctx, a.TagPath, models.ParseActionValue(a.Value))
			if err != nil {
				actionFailuresTotal.WithLabelValues("tag-write").Inc()
				e.logger.Warn("machine: tag action failed",
					"machine", rt.cfg.ID, "phase", phase, "tag", a.TagPath, "error", err.Error())
			}
			return nil
		})
	}
}

func (e *Executor) runScriptAction(ctx context.Context, rt *machineRuntime, phase, code string) {
	if code == "" {
		return
	}
	if e.deps.Script == nil {
		actionFailuresTotal.WithLabelValues("script").Inc()
		e.logger.Warn("machine: script action skipped, no script host",
			"machine", rt.cfg.ID, "phase", phase)
		return
	}
	res := e.deps.Script.Execute(ctx, code, e.deps.scriptGlobals(), nil, 0)
	if !res.Success {
		actionFailuresTotal.WithLabelValues("script").Inc()
		e.logger.Warn("machine: script action failed",
			"machine", rt.cfg.ID, "phase", phase, "error", res.ErrorMessage)
	}
}

func (e *Executor) triggerFlows(rt *machineRuntime, phase string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if e.deps.Flows == nil {
		actionFailuresTotal.WithLabelValues("flow").Add(float64(len(ids)))
		e.logger.Warn("machine: flow triggers skipped, no flow runner",
			"machine", rt.cfg.ID, "phase", phase, "count", len(ids))
		return
	}
	label := "machine:" + rt.cfg.ID + "/" + phase
	for _, id := range ids {
		if err := e.deps.Flows.TriggerFlow(id, label); err != nil {
			actionFailuresTotal.WithLabelValues("flow").Inc()
			e.logger.Warn("machine: flow trigger failed",
				"machine", rt.cfg.ID, "phase", phase, "flow", id, "error", err.Error())
		}
	}
}
