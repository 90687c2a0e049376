package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vpbank/tag_engine/models"
)

// Per-run caps applied when Options leaves them zero.
const (
	DefaultRunTimeout  = 30 * time.Second
	DefaultMaxMessages = 100
)

// ─────────────────────────────────────────────────────────────────────────────
// Options and result
// ─────────────────────────────────────────────────────────────────────────────

// Options caps one run.
type Options struct {
	// Timeout is the wall-clock cap for the whole run. Default 30 s.
	Timeout time.Duration

	// MaxMessages caps how many messages the run may process. Default 100.
	MaxMessages int

	// StopOnError drains the work stack on the first node failure and
	// returns a Failed outcome. When false the failed node simply
	// contributes nothing downstream and the run continues.
	StopOnError bool
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultRunTimeout
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	return o
}

// RunResult summarizes one completed run.
type RunResult struct {
	RunID   string
	Outcome string

	// NodesExecuted counts distinct nodes invoked; MessagesHandled counts
	// invocations (one per message popped off the work stack).
	NodesExecuted   int
	MessagesHandled int

	// ErrorDetail is the first node error observed, empty when clean.
	ErrorDetail string

	Started   time.Time
	Completed time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Executor
// ─────────────────────────────────────────────────────────────────────────────

// Executor runs compiled flows. It is stateless across runs; every run owns
// its work stack, so separate runs proceed in parallel while a single run
// stays strictly sequential.
type Executor struct {
	clk    clock.Clock
	logger *slog.Logger
	tracer *Tracer
}

// NewExecutor builds an executor. tracer may be nil to disable per-node and
// run-summary publishing (unit tests mostly run without one).
func NewExecutor(tracer *Tracer, clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Executor{clk: clk, logger: logger, tracer: tracer}
}

type workItem struct {
	nodeID string
	port   string
	msg    Message
}

// Execute seeds a run at startNodeID with the initial message and works the
// graph depth-first: a LIFO stack holds pending (node, port, message) items,
// and each node's emissions are pushed so that the first emission's subtree
// is fully explored before the second's.
//
// The run ends when the stack drains (Success), the message cap is hit with
// work remaining (Limited), the timeout lapses (TimedOut), the parent context
// is cancelled (Cancelled), or a node fails under StopOnError (Failed).
func (e *Executor) Execute(ctx context.Context, cf *CompiledFlow, startNodeID string, initial Message, opts Options) RunResult {
	opts = opts.withDefaults()

	res := RunResult{
		RunID:   uuid.NewString(),
		Started: e.clk.Now().UTC(),
	}

	if _, ok := cf.nodes[startNodeID]; !ok {
		res.Outcome = models.RunOutcomeFailed
		res.ErrorDetail = fmt.Sprintf("flow %s: unknown start node %q", cf.Def.ID, startNodeID)
		res.Completed = e.clk.Now().UTC()
		runsTotal.WithLabelValues(res.Outcome).Inc()
		e.summarize(cf, startNodeID, initial.Topic, res)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	stack := []workItem{{nodeID: startNodeID, msg: initial}}
	seen := make(map[string]bool)
	outcome := models.RunOutcomeSuccess
	var firstErr error

run:
	for len(stack) > 0 {
		if res.MessagesHandled >= opts.MaxMessages {
			outcome = models.RunOutcomeLimited
			break
		}
		select {
		case <-runCtx.Done():
			outcome = models.RunOutcomeTimedOut
			if ctx.Err() != nil {
				outcome = models.RunOutcomeCancelled
			}
			break run
		default:
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := cf.nodes[item.nodeID]

		res.MessagesHandled++
		seen[item.nodeID] = true

		rc := &Context{
			RunID:  res.RunID,
			FlowID: cf.Def.ID,
			NodeID: item.nodeID,
			InPort: item.port,
		}
		t0 := e.clk.Now()
		err := node.runtime.Invoke(runCtx, rc, item.msg)
		elapsed := e.clk.Now().Sub(t0)

		if e.tracer != nil {
			e.tracer.NodeExecuted(models.NodeTraceMessage{
				RunID:           res.RunID,
				FlowID:          cf.Def.ID,
				NodeID:          item.nodeID,
				NodeType:        node.def.Type,
				Status:          traceStatus(err),
				DurationMs:      float64(elapsed) / float64(time.Millisecond),
				MessagesEmitted: len(rc.emissions),
				Error:           errText(err),
				EndUTC:          e.clk.Now().UTC(),
			})
		}

		if err != nil {
			nodeErrorsTotal.WithLabelValues(node.def.Type).Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("node %s (%s): %w", item.nodeID, node.def.Type, err)
			}
			e.logger.Warn("flow: node failed",
				"flow", cf.Def.ID,
				"run", res.RunID,
				"node", item.nodeID,
				"type", node.def.Type,
				"error", err.Error(),
			)
			if opts.StopOnError {
				outcome = models.RunOutcomeFailed
				break
			}
			// Failed nodes contribute nothing downstream.
			continue
		}

		// Push emissions in reverse so the stack pops them in emission
		// order; targets of one port likewise.
		for i := len(rc.emissions) - 1; i >= 0; i-- {
			em := rc.emissions[i]
			targets := cf.out[item.nodeID][em.Port]
			for j := len(targets) - 1; j >= 0; j-- {
				stack = append(stack, workItem{
					nodeID: targets[j].NodeID,
					port:   targets[j].Port,
					msg:    em.Msg,
				})
			}
		}
	}

	res.NodesExecuted = len(seen)
	res.Outcome = outcome
	if firstErr != nil {
		res.ErrorDetail = firstErr.Error()
	}
	res.Completed = e.clk.Now().UTC()
	runsTotal.WithLabelValues(res.Outcome).Inc()

	e.summarize(cf, startNodeID, initial.Topic, res)
	return res
}

func (e *Executor) summarize(cf *CompiledFlow, startNodeID, triggerTopic string, res RunResult) {
	if e.tracer == nil {
		return
	}
	e.tracer.RunCompleted(models.FlowRunSummaryMessage{
		RunID:           res.RunID,
		FlowID:          cf.Def.ID,
		FlowName:        cf.Def.Name,
		TriggerNodeID:   startNodeID,
		TriggerTopic:    triggerTopic,
		Outcome:         res.Outcome,
		NodesExecuted:   res.NodesExecuted,
		MessagesHandled: res.MessagesHandled,
		DurationMs:      float64(res.Completed.Sub(res.Started)) / float64(time.Millisecond),
		ErrorDetail:     res.ErrorDetail,
		StartedUTC:      res.Started,
		CompletedUTC:    res.Completed,
	})
}

func traceStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func errText(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
