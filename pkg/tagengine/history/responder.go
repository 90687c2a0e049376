package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ─────────────────────────────────────────────────────────────────────────────

// Querier is the store subset the responder consumes.
type Querier interface {
	QueryRange(ctx context.Context, connectionID, tagID string, start, end *time.Time, limit int) ([]models.HistoryPoint, error)
}

// busLink is the bus subset the responder consumes.
type busLink interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) (func(), error)
}

// codec pairs encode and decode for the request/response payloads.
type codec interface {
	Encode(payload any) ([]byte, error)
	Decode(data []byte, into any) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Responder
// ─────────────────────────────────────────────────────────────────────────────

// Responder answers history range queries over the bus: a request on
// history/request produces one response on history/<connId>/<tagId>. Query
// failures are reported in the response's error field rather than dropped.
type Responder struct {
	store  Querier
	bus    busLink
	codec  codec
	logger *slog.Logger

	unsubscribe func()
}

// NewResponder wires a responder; call Start to subscribe. If logger is nil,
// a no-op logger is substituted.
func NewResponder(store Querier, bus busLink, c codec, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Responder{store: store, bus: bus, codec: c, logger: logger}
}

// Start subscribes to the request topic.
func (r *Responder) Start() error {
	unsub, err := r.bus.Subscribe(mqtt.TopicHistoryRequest, 1, r.handle)
	if err != nil {
		return fmt.Errorf("history: subscribe %s: %w", mqtt.TopicHistoryRequest, err)
	}
	r.unsubscribe = unsub
	r.logger.Info("history: responder started", "topic", mqtt.TopicHistoryRequest)
	return nil
}

// Stop removes the subscription. In-flight handlers complete on the bus
// dispatch goroutine.
func (r *Responder) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *Responder) handle(_ string, payload []byte) {
	var req models.HistoryRequestMessage
	if err := r.codec.Decode(payload, &req); err != nil {
		requestsTotal.WithLabelValues("malformed").Inc()
		r.logger.Warn("history: malformed request", "error", err.Error())
		return
	}
	if req.ConnectionID == "" || req.TagID == "" {
		requestsTotal.WithLabelValues("malformed").Inc()
		r.logger.Warn("history: request missing connectionId or tagId")
		return
	}

	resp := models.HistoryResponseMessage{
		ConnectionID: req.ConnectionID,
		TagID:        req.TagID,
	}
	points, err := r.store.QueryRange(context.Background(),
		req.ConnectionID, req.TagID, req.StartUTC, req.EndUTC, req.Limit)
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("history: range query failed",
			"connection", req.ConnectionID,
			"tag", req.TagID,
			"error", err.Error(),
		)
		resp.Error = err.Error()
	} else {
		requestsTotal.WithLabelValues("ok").Inc()
		resp.Points = points
	}

	data, err := r.codec.Encode(resp)
	if err != nil {
		r.logger.Warn("history: response encode failed", "error", err.Error())
		return
	}
	topic := mqtt.TopicHistoryResponse(req.ConnectionID, req.TagID)
	if err := r.bus.Publish(topic, data, 0, false); err != nil {
		r.logger.Warn("history: response publish failed", "topic", topic, "error", err.Error())
	}
}
