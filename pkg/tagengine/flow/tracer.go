package flow

import (
	"log/slog"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// Tracer publishes one message per node invocation on flows/<id>/execution
// and one run summary on flows/<id>/run-summary. Traces are diagnostics:
// QoS 0, never retained, and publish failures are logged at debug so a bus
// outage cannot slow a run down.
type Tracer struct {
	bus    Publisher
	codec  Codec
	logger *slog.Logger
}

// NewTracer builds a tracer. A nil logger falls back to a no-op logger.
func NewTracer(bus Publisher, codec Codec, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Tracer{bus: bus, codec: codec, logger: logger}
}

// NodeExecuted publishes one per-node execution record.
func (t *Tracer) NodeExecuted(rec models.NodeTraceMessage) {
	t.publish(mqtt.TopicFlowExecution(rec.FlowID), rec)
}

// RunCompleted publishes the run summary.
func (t *Tracer) RunCompleted(sum models.FlowRunSummaryMessage) {
	t.publish(mqtt.TopicFlowRunSummary(sum.FlowID), sum)
}

func (t *Tracer) publish(topic string, v any) {
	data, err := t.codec.Encode(v)
	if err != nil {
		t.logger.Warn("flow: trace encode failed", "topic", topic, "error", err.Error())
		return
	}
	if err := t.bus.Publish(topic, data, 0, false); err != nil {
		t.logger.Debug("flow: trace publish failed", "topic", topic, "error", err.Error())
	}
}
