package poll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	jsonformat "github.com/vpbank/tag_engine/format/json"
	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/driver"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Mocks
// ─────────────────────────────────────────────────────────────────────────────

type busRecord struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockBus records every publish; PublishRetry is recorded identically.
type mockBus struct {
	mu      sync.Mutex
	records []busRecord
}

func (b *mockBus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, busRecord{topic, payload, qos, retained})
	return nil
}

func (b *mockBus) PublishRetry(topic string, payload []byte, qos byte, retained bool) error {
	return b.Publish(topic, payload, qos, retained)
}

func (b *mockBus) byTopic(topic string) []busRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busRecord
	for _, r := range b.records {
		if r.topic == topic {
			out = append(out, r)
		}
	}
	return out
}

// mockHistory records stored values.
type mockHistory struct {
	mu     sync.Mutex
	values []models.TagValue
}

func (h *mockHistory) StoreValue(v models.TagValue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, v)
}

func (h *mockHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values)
}

// flakyDriver fails reads while fail is set; always connects.
type flakyDriver struct {
	mu        sync.Mutex
	fail      bool
	connected bool
	cfg       models.ConnectionConfig
	reads     int
	partial   bool // drop the last tag from results
	block     chan struct{}
}

func (d *flakyDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *flakyDriver) Connect(_ context.Context, cfg models.ConnectionConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.connected = true
	return nil
}

func (d *flakyDriver) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *flakyDriver) ReadTags(_ context.Context, tags []models.TagConfig) (map[string]models.TagValue, error) {
	d.mu.Lock()
	d.reads++
	n := d.reads
	fail, partial, block := d.fail, d.partial, d.block
	cfg := d.cfg
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, fmt.Errorf("device timeout")
	}

	out := make(map[string]models.TagValue, len(tags))
	for i := range tags {
		if partial && i == len(tags)-1 {
			continue
		}
		out[tags[i].ID] = models.TagValue{
			ConnectionID: cfg.ID,
			TagID:        tags[i].ID,
			TagName:      tags[i].Name,
			TagPath:      models.JoinTagPath(cfg.Name, tags[i].Name),
			Value:        float64(n),
			DataType:     tags[i].DataType,
			Quality:      models.QualityGood,
			Timestamp:    time.Now().UTC(),
		}
	}
	return out, nil
}

func (d *flakyDriver) WriteTag(context.Context, models.TagConfig, any) error { return nil }
func (d *flakyDriver) Close() error                                          { return nil }

func (d *flakyDriver) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *flakyDriver) readTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// ─────────────────────────────────────────────────────────────────────────────
// Builders
// ─────────────────────────────────────────────────────────────────────────────

func twoTagConnection() models.ConnectionConfig {
	return models.ConnectionConfig{
		ID: "conn-1", Name: "Plant", DriverType: "flaky", Enabled: true,
		Tags: []models.TagConfig{
			{ID: "t1", Name: "A", DataType: models.TypeDouble, PollRateMs: 50, LogHistory: true},
			{ID: "t2", Name: "B", DataType: models.TypeDouble, PollRateMs: 50},
		},
	}
}

// testEngine builds an engine over a mock bus, a mock history sink, and the
// given clock. The returned registry has no drivers; register per test.
func testEngine(t *testing.T, clk clock.Clock) (*Engine, *mockBus, *mockHistory, *driver.Registry) {
	t.Helper()
	bus := &mockBus{}
	hist := &mockHistory{}
	reg := driver.NewRegistry()
	e := NewEngine(Options{
		Registry: reg,
		Bus:      bus,
		Codec:    jsonformat.New(jsonformat.Config{}, nil),
		History:  hist,
		Clock:    clk,
	}, nil)
	return e, bus, hist, reg
}

func decodeStatus(t *testing.T, payload []byte) models.ConnectionStatusMessage {
	t.Helper()
	var m models.ConnectionStatusMessage
	if err := jsonformat.New(jsonformat.Config{}, nil).Decode(payload, &m); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return m
}

func decodeBulk(t *testing.T, payload []byte) models.BulkTagValueMessage {
	t.Helper()
	var m models.BulkTagValueMessage
	if err := jsonformat.New(jsonformat.Config{}, nil).Decode(payload, &m); err != nil {
		t.Fatalf("decode bulk: %v", err)
	}
	return m
}

// ─────────────────────────────────────────────────────────────────────────────
// Poll cycle mechanics (synchronous, mock clock)
// ─────────────────────────────────────────────────────────────────────────────

func TestPollOnceBulkCarriesWholeGroup(t *testing.T) {
	mock := clock.NewMock()
	e, bus, hist, _ := testEngine(t, mock)

	cfg := twoTagConnection()
	drv := &flakyDriver{partial: true} // driver omits tag B every cycle
	if err := drv.Connect(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	p := newConnectionPoller(cfg, drv, e)
	p.pollOnce(context.Background(), p.groups[0])

	bulks := bus.byTopic(mqtt.TopicBulkTags("conn-1"))
	if len(bulks) != 1 {
		t.Fatalf("bulk messages = %d, want 1", len(bulks))
	}
	bulk := decodeBulk(t, bulks[0].payload)
	if len(bulk.Tags) != 2 {
		t.Fatalf("bulk tags = %d, want 2 (one per tag in the group)", len(bulk.Tags))
	}

	// The unread tag is present with bad quality and no prior value.
	var b models.TagValue
	for _, v := range bulk.Tags {
		if v.TagID == "t2" {
			b = v
		}
	}
	if b.Quality != models.QualityBad {
		t.Errorf("unread tag quality = %v, want bad", b.Quality)
	}
	if b.Value != nil {
		t.Errorf("unread tag value = %v, want nil (no last-known)", b.Value)
	}

	// Retained per-tag topics published for both tags.
	if got := bus.byTopic(mqtt.TopicTagValue("conn-1", "t1")); len(got) != 1 || !got[0].retained {
		t.Errorf("per-tag publish for t1 = %+v, want one retained message", got)
	}

	// Only the LogHistory tag reaches the sink.
	if hist.count() != 1 {
		t.Errorf("history sink received %d values, want 1", hist.count())
	}
}

func TestPollOnceBreakerTransitions(t *testing.T) {
	mock := clock.NewMock()
	e, bus, _, _ := testEngine(t, mock)

	cfg := twoTagConnection()
	drv := &flakyDriver{fail: true}
	if err := drv.Connect(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	p := newConnectionPoller(cfg, drv, e)
	g := p.groups[0]
	statusTopic := mqtt.TopicConnectionStatus("conn-1")

	// Five consecutive failures open the breaker and publish exactly one
	// Error status.
	for i := 0; i < breakerThreshold; i++ {
		p.pollOnce(context.Background(), g)
	}
	statuses := bus.byTopic(statusTopic)
	if len(statuses) != 1 {
		t.Fatalf("status messages after trip = %d, want 1", len(statuses))
	}
	st := decodeStatus(t, statuses[0].payload)
	if st.State != models.ConnError {
		t.Errorf("state = %v, want Error", st.State)
	}
	if !strings.HasPrefix(st.ErrorMessage, "Circuit breaker opened") {
		t.Errorf("errorMessage = %q, want Circuit breaker opened prefix", st.ErrorMessage)
	}

	// While open, ticks touch neither the driver nor the bus.
	before := drv.readTotal()
	p.pollOnce(context.Background(), g)
	if drv.readTotal() != before {
		t.Error("read attempted while breaker open")
	}

	// Window elapses, driver recovers: one read, one Connected status.
	mock.Add(breakerOpenFor)
	drv.setFail(false)
	p.pollOnce(context.Background(), g)

	statuses = bus.byTopic(statusTopic)
	if len(statuses) != 2 {
		t.Fatalf("status messages after recovery = %d, want 2", len(statuses))
	}
	st = decodeStatus(t, statuses[1].payload)
	if st.State != models.ConnConnected {
		t.Errorf("recovered state = %v, want Connected", st.State)
	}
}

func TestFireGroupGateDropsOverlappingTick(t *testing.T) {
	mock := clock.NewMock()
	e, _, _, _ := testEngine(t, mock)

	cfg := twoTagConnection()
	release := make(chan struct{})
	drv := &flakyDriver{block: release}
	if err := drv.Connect(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	p := newConnectionPoller(cfg, drv, e)
	g := p.groups[0]

	p.fireGroup(context.Background(), g)

	// Wait for the read goroutine to enter the driver.
	deadline := time.After(2 * time.Second)
	for drv.readTotal() == 0 {
		select {
		case <-deadline:
			t.Fatal("first read never started")
		case <-time.After(time.Millisecond):
		}
	}

	// A second tick while the read is in flight is dropped, not queued.
	p.fireGroup(context.Background(), g)
	close(release)
	p.tasks.Wait()

	if got := drv.readTotal(); got != 1 {
		t.Errorf("driver reads = %d, want 1 (overlapping tick dropped)", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine lifecycle (real clock, short rates)
// ─────────────────────────────────────────────────────────────────────────────

func simulatorConnection(id, name string, rateMs int) models.ConnectionConfig {
	return models.ConnectionConfig{
		ID: id, Name: name, DriverType: "simulator", Enabled: true,
		Tags: []models.TagConfig{
			{
				ID: "t-temp", Name: "Temp", DataType: models.TypeDouble,
				PollRateMs: rateMs, LogHistory: true,
				Simulation: &models.SimulationParams{
					Waveform: models.WaveSine, Base: 25, Amplitude: 10, PeriodSec: 60,
				},
			},
		},
	}
}

func TestEngineEndToEnd(t *testing.T) {
	e, bus, hist, _ := testEngine(t, clock.New())
	conn := simulatorConnection("sim-1", "Sim", 50)

	if err := e.Start(context.Background(), []models.ConnectionConfig{conn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(230 * time.Millisecond)
	e.Stop()

	// Immediate poll plus ≥3 ticks in 230 ms at 50 ms.
	bulks := bus.byTopic(mqtt.TopicBulkTags("sim-1"))
	if len(bulks) < 4 {
		t.Errorf("bulk messages = %d, want >= 4", len(bulks))
	}
	if hist.count() < 4 {
		t.Errorf("history values = %d, want >= 4", hist.count())
	}
	if _, ok := e.Cache().Get("Sim/Temp"); !ok {
		t.Error("cache has no value for Sim/Temp")
	}

	stats := e.Stats()
	if stats.TotalPolls < 4 {
		t.Errorf("TotalPolls = %d, want >= 4", stats.TotalPolls)
	}

	// Stop publishes the retained Disconnected status last.
	statuses := bus.byTopic(mqtt.TopicConnectionStatus("sim-1"))
	if len(statuses) < 2 {
		t.Fatalf("status messages = %d, want >= 2 (Connected, Disconnected)", len(statuses))
	}
	last := decodeStatus(t, statuses[len(statuses)-1].payload)
	if last.State != models.ConnDisconnected {
		t.Errorf("final state = %v, want Disconnected", last.State)
	}
}

func TestEngineReload(t *testing.T) {
	e, bus, _, _ := testEngine(t, clock.New())
	a := simulatorConnection("sim-a", "A", 500)
	b := simulatorConnection("sim-b", "B", 500)

	if err := e.Start(context.Background(), []models.ConnectionConfig{a, b}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := e.Stats().ActiveConnections; got != 2 {
		t.Fatalf("active connections = %d, want 2", got)
	}

	// Wait for first polls so the cache is warm.
	deadline := time.After(2 * time.Second)
	for {
		if _, okA := e.Cache().Get("A/Temp"); okA {
			if _, okB := e.Cache().Get("B/Temp"); okB {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("caches never warmed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Disable A, remove B.
	a.Enabled = false
	e.Reload([]models.ConnectionConfig{a})
	defer e.Stop()

	if got := e.Stats().ActiveConnections; got != 0 {
		t.Errorf("active connections after reload = %d, want 0", got)
	}
	if _, ok := e.Cache().Get("A/Temp"); ok {
		t.Error("disabled connection still cached")
	}
	if _, ok := e.Cache().Get("B/Temp"); ok {
		t.Error("removed connection still cached")
	}

	// Disabled → Disabled status; removed → Disconnected status.
	aStatuses := bus.byTopic(mqtt.TopicConnectionStatus("sim-a"))
	if st := decodeStatus(t, aStatuses[len(aStatuses)-1].payload); st.State != models.ConnDisabled {
		t.Errorf("A final state = %v, want Disabled", st.State)
	}
	bStatuses := bus.byTopic(mqtt.TopicConnectionStatus("sim-b"))
	if st := decodeStatus(t, bStatuses[len(bStatuses)-1].payload); st.State != models.ConnDisconnected {
		t.Errorf("B final state = %v, want Disconnected", st.State)
	}
}

func TestEngineWriteRouting(t *testing.T) {
	e, _, _, _ := testEngine(t, clock.New())
	conn := simulatorConnection("sim-1", "Sim", 500)

	if err := e.Start(context.Background(), []models.ConnectionConfig{conn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.WriteTag(context.Background(), "sim-1", "t-temp", 42.0); err != nil {
		t.Errorf("WriteTag: %v", err)
	}
	if err := e.WriteTagByPath(context.Background(), "Sim/Temp", 43.0); err != nil {
		t.Errorf("WriteTagByPath: %v", err)
	}

	if err := e.WriteTag(context.Background(), "nope", "t-temp", 1); err == nil {
		t.Error("WriteTag to unknown connection succeeded, want error")
	}
	if err := e.WriteTagByPath(context.Background(), "Sim/Nope", 1); err == nil {
		t.Error("WriteTagByPath to unknown tag succeeded, want error")
	}
	if err := e.WriteTagByPath(context.Background(), "no-slash", 1); err == nil {
		t.Error("WriteTagByPath with malformed path succeeded, want error")
	}
}

func TestEngineDoubleStartRejected(t *testing.T) {
	e, _, _, _ := testEngine(t, clock.New())
	if err := e.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	if err := e.Start(context.Background(), nil); err == nil {
		t.Error("second Start succeeded, want error")
	}
	if !e.Running() {
		t.Error("engine not running after Start")
	}
}
