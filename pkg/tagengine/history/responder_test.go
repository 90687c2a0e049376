package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	jsonformat "github.com/vpbank/tag_engine/format/json"
	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

type respBusRecord struct {
	topic    string
	payload  []byte
	retained bool
}

// respBus captures the subscription handler and records publishes.
type respBus struct {
	mu           sync.Mutex
	handler      mqtt.MessageHandler
	filter       string
	unsubscribed bool
	records      []respBusRecord
}

func (b *respBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, respBusRecord{topic, payload, retained})
	return nil
}

func (b *respBus) Subscribe(filter string, _ byte, handler mqtt.MessageHandler) (func(), error) {
	b.filter = filter
	b.handler = handler
	return func() { b.unsubscribed = true }, nil
}

func (b *respBus) published() []respBusRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]respBusRecord(nil), b.records...)
}

// cannedQuerier returns fixed points or a fixed error.
type cannedQuerier struct {
	points []models.HistoryPoint
	err    error

	gotConn, gotTag string
	gotLimit        int
	gotStart        *time.Time
}

func (q *cannedQuerier) QueryRange(_ context.Context, connectionID, tagID string, start, _ *time.Time, limit int) ([]models.HistoryPoint, error) {
	q.gotConn, q.gotTag, q.gotLimit, q.gotStart = connectionID, tagID, limit, start
	return q.points, q.err
}

func request(t *testing.T, req models.HistoryRequestMessage) []byte {
	t.Helper()
	data, err := jsonformat.New(jsonformat.Config{}, nil).Encode(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return data
}

func TestResponderAnswersRequest(t *testing.T) {
	bus := &respBus{}
	q := &cannedQuerier{points: []models.HistoryPoint{
		{Value: 2.0, Quality: models.QualityGood, Timestamp: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)},
		{Value: 1.0, Quality: models.QualityGood, Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}}
	r := NewResponder(q, bus, jsonformat.New(jsonformat.Config{}, nil), nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if bus.filter != mqtt.TopicHistoryRequest {
		t.Fatalf("subscribed filter = %q, want %q", bus.filter, mqtt.TopicHistoryRequest)
	}

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bus.handler(mqtt.TopicHistoryRequest, request(t, models.HistoryRequestMessage{
		ConnectionID: "c1", TagID: "t1", StartUTC: &start, Limit: 10,
	}))

	if q.gotConn != "c1" || q.gotTag != "t1" || q.gotLimit != 10 {
		t.Errorf("query args = (%q, %q, %d), want (c1, t1, 10)", q.gotConn, q.gotTag, q.gotLimit)
	}
	if q.gotStart == nil || !q.gotStart.Equal(start) {
		t.Errorf("query start = %v, want %v", q.gotStart, start)
	}

	pubs := bus.published()
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pubs))
	}
	if want := mqtt.TopicHistoryResponse("c1", "t1"); pubs[0].topic != want {
		t.Errorf("response topic = %q, want %q", pubs[0].topic, want)
	}
	if pubs[0].retained {
		t.Error("response retained, want not retained")
	}

	var resp models.HistoryResponseMessage
	if err := jsonformat.New(jsonformat.Config{}, nil).Decode(pubs[0].payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "" {
		t.Errorf("response error = %q, want empty", resp.Error)
	}
	if len(resp.Points) != 2 {
		t.Fatalf("response points = %d, want 2", len(resp.Points))
	}
	if v := resp.Points[0].Value.(float64); v != 2.0 {
		t.Errorf("newest point = %v, want 2", v)
	}
}

func TestResponderReportsQueryError(t *testing.T) {
	bus := &respBus{}
	q := &cannedQuerier{err: fmt.Errorf("history: query range c1/t1: disk gone")}
	r := NewResponder(q, bus, jsonformat.New(jsonformat.Config{}, nil), nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.handler(mqtt.TopicHistoryRequest, request(t, models.HistoryRequestMessage{
		ConnectionID: "c1", TagID: "t1",
	}))

	pubs := bus.published()
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pubs))
	}
	var resp models.HistoryResponseMessage
	if err := jsonformat.New(jsonformat.Config{}, nil).Decode(pubs[0].payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Error("response error empty, want query failure text")
	}
	if len(resp.Points) != 0 {
		t.Errorf("response points = %d, want 0", len(resp.Points))
	}
}

func TestResponderIgnoresMalformedRequests(t *testing.T) {
	bus := &respBus{}
	r := NewResponder(&cannedQuerier{}, bus, jsonformat.New(jsonformat.Config{}, nil), nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.handler(mqtt.TopicHistoryRequest, []byte("{not json"))
	bus.handler(mqtt.TopicHistoryRequest, request(t, models.HistoryRequestMessage{TagID: "t1"}))
	bus.handler(mqtt.TopicHistoryRequest, request(t, models.HistoryRequestMessage{ConnectionID: "c1"}))

	if got := len(bus.published()); got != 0 {
		t.Errorf("publishes = %d, want 0 (malformed requests dropped)", got)
	}
}

func TestResponderStopUnsubscribes(t *testing.T) {
	bus := &respBus{}
	r := NewResponder(&cannedQuerier{}, bus, jsonformat.New(jsonformat.Config{}, nil), nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
	if !bus.unsubscribed {
		t.Error("Stop did not unsubscribe")
	}
	r.Stop() // idempotent
}
