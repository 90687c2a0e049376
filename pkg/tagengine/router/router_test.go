package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	jsonformat "github.com/vpbank/tag_engine/format/json"
	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/flow"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

type busRecord struct {
	topic   string
	payload []byte
}

type subEntry struct {
	filter  string
	qos     byte
	handler mqtt.MessageHandler
	removed bool
}

// mockSubscriberBus plays both broker sides: it records publishes and routes
// delivered messages to the handlers whose filters match.
type mockSubscriberBus struct {
	mu      sync.Mutex
	records []busRecord
	subs    []*subEntry
}

func (b *mockSubscriberBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, busRecord{topic: topic, payload: payload})
	return nil
}

func (b *mockSubscriberBus) Subscribe(filter string, qos byte, handler mqtt.MessageHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &subEntry{filter: filter, qos: qos, handler: handler}
	b.subs = append(b.subs, e)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		e.removed = true
	}, nil
}

func (b *mockSubscriberBus) deliver(topic string, payload []byte) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for _, e := range b.subs {
		if !e.removed && mqtt.MatchTopic(e.filter, topic) {
			handlers = append(handlers, e.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (b *mockSubscriberBus) byTopic(topic string) []busRecord {
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

func (b *mockSubscriberBus) subscribeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *mockSubscriberBus) activeSub(filter string) (subEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.subs {
		if e.filter == filter && !e.removed {
			return *e, true
		}
	}
	return subEntry{}, false
}

type routerFixture struct {
	bus   *mockSubscriberBus
	clk   *clock.Mock
	codec *jsonformat.PayloadCodec
	m     *flow.Manager
	r     *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fx := &routerFixture{
		bus:   &mockSubscriberBus{},
		clk:   clock.NewMock(),
		codec: jsonformat.New(jsonformat.Config{}, nil),
	}
	m, err := flow.NewManager(flow.ManagerConfig{Services: flow.Services{
		Bus:   fx.bus,
		Codec: fx.codec,
		Clock: fx.clk,
	}}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("manager Start: %v", err)
	}
	t.Cleanup(m.Stop)
	fx.m = m
	fx.r = New(fx.bus, fx.codec, m, nil)
	t.Cleanup(fx.r.Close)
	return fx
}

func (fx *routerFixture) refresh(conns []models.ConnectionConfig, defs ...models.FlowDefinition) {
	fx.m.RefreshFlows(defs)
	fx.r.Refresh(conns)
}

func nodeDef(id, typ string, cfg map[string]any) models.NodeDefinition {
	return models.NodeDefinition{ID: id, Type: typ, Config: cfg}
}

func wireDef(src, dst string) models.WireDefinition {
	return models.WireDefinition{
		ID:         src + "-" + dst,
		SourceNode: src, SourcePort: flow.PortOut,
		TargetNode: dst, TargetPort: flow.PortIn,
	}
}

// busInFlow listens on filter and republishes payloads on outTopic.
func busInFlow(id, filter string, qos float64, outTopic string) models.FlowDefinition {
	return models.FlowDefinition{
		ID: id, Name: id, Enabled: true,
		Nodes: []models.NodeDefinition{
			nodeDef("in", "mqtt-in", map[string]any{"topic": filter, "qos": qos}),
			nodeDef("pub", "mqtt-out", map[string]any{"topic": outTopic}),
		},
		Wires: []models.WireDefinition{wireDef("in", "pub")},
	}
}

// tagChangeFlow renders each change of tagPath and republishes the line.
func tagChangeFlow(id, tagPath, outTopic string) models.FlowDefinition {
	return models.FlowDefinition{
		ID: id, Name: id, Enabled: true,
		Nodes: []models.NodeDefinition{
			nodeDef("watch", "tag-change-trigger", map[string]any{"tagPath": tagPath}),
			nodeDef("fmt", "template", map[string]any{
				"template": "{{topic}} is {{payload}} ({{meta.quality}})",
			}),
			nodeDef("pub", "mqtt-out", map[string]any{"topic": outTopic}),
		},
		Wires: []models.WireDefinition{wireDef("watch", "fmt"), wireDef("fmt", "pub")},
	}
}

func boilerConn() models.ConnectionConfig {
	return models.ConnectionConfig{
		ID: "c1", Name: "Boiler", Enabled: true,
		Tags: []models.TagConfig{{ID: "t9", Name: "Temperature", DataType: models.TypeDouble}},
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// ─────────────────────────────────────────────────────────────────────────────
// Subscription management
// ─────────────────────────────────────────────────────────────────────────────

func TestRefreshSubscribesForTriggers(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh([]models.ConnectionConfig{boilerConn()},
		busInFlow("f1", "plant/+/alarms", 1, "out/alarms"),
		tagChangeFlow("f2", "Boiler/Temperature", "out/temp"),
	)

	got := fx.r.ActiveFilters()
	want := []string{"plant/+/alarms", "tags/c1/t9"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ActiveFilters = %v, want %v", got, want)
	}

	sub, ok := fx.bus.activeSub("plant/+/alarms")
	if !ok || sub.qos != 1 {
		t.Fatalf("alarm subscription qos = %d, ok = %v, want 1", sub.qos, ok)
	}
	if sub, ok := fx.bus.activeSub("tags/c1/t9"); !ok || sub.qos != 0 {
		t.Fatalf("tag subscription = %+v, ok = %v", sub, ok)
	}
}

func TestRefreshDiffKeepsSurvivingFilters(t *testing.T) {
	fx := newRouterFixture(t)
	conns := []models.ConnectionConfig{boilerConn()}
	def := busInFlow("f1", "plant/+/alarms", 0, "out/alarms")

	fx.refresh(conns, def)
	if n := fx.bus.subscribeCalls(); n != 1 {
		t.Fatalf("subscribe calls = %d, want 1", n)
	}

	// Identical reload: no broker traffic at all.
	fx.refresh(conns, def)
	if n := fx.bus.subscribeCalls(); n != 1 {
		t.Fatalf("resubscribed on identical reload (%d calls)", n)
	}
	if _, ok := fx.bus.activeSub("plant/+/alarms"); !ok {
		t.Fatalf("surviving filter was unsubscribed")
	}

	// Flow gone: the filter is dropped.
	fx.refresh(conns)
	if _, ok := fx.bus.activeSub("plant/+/alarms"); ok {
		t.Fatalf("removed flow kept its subscription")
	}
	if n := len(fx.r.ActiveFilters()); n != 0 {
		t.Fatalf("ActiveFilters = %d, want 0", n)
	}
}

func TestRefreshQoSChangeResubscribes(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh(nil, busInFlow("f1", "plant/+/alarms", 0, "out/alarms"))
	fx.refresh(nil, busInFlow("f1", "plant/+/alarms", 2, "out/alarms"))

	if n := fx.bus.subscribeCalls(); n != 2 {
		t.Fatalf("subscribe calls = %d, want 2", n)
	}
	sub, ok := fx.bus.activeSub("plant/+/alarms")
	if !ok || sub.qos != 2 {
		t.Fatalf("active qos = %d, ok = %v, want 2", sub.qos, ok)
	}
}

func TestRefreshSharesFilterAcrossFlows(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh(nil,
		busInFlow("f1", "plant/+/alarms", 0, "out/one"),
		busInFlow("f2", "plant/+/alarms", 2, "out/two"),
	)

	if n := fx.bus.subscribeCalls(); n != 1 {
		t.Fatalf("subscribe calls = %d, want 1 shared subscription", n)
	}
	sub, _ := fx.bus.activeSub("plant/+/alarms")
	if sub.qos != 2 {
		t.Fatalf("shared subscription qos = %d, want max 2", sub.qos)
	}

	fx.bus.deliver("plant/7/alarms", []byte(`{"level":"high"}`))
	waitUntil(t, time.Second, func() bool {
		return len(fx.bus.byTopic("out/one")) == 1 && len(fx.bus.byTopic("out/two")) == 1
	})
}

func TestRefreshSkipsUnknownTagPath(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh([]models.ConnectionConfig{boilerConn()},
		tagChangeFlow("f1", "Boiler/Pressure", "out/pressure"),
	)
	if n := len(fx.r.ActiveFilters()); n != 0 {
		t.Fatalf("unknown tag path produced %d subscriptions", n)
	}
}

func TestCloseUnsubscribesAll(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh([]models.ConnectionConfig{boilerConn()},
		busInFlow("f1", "plant/+/alarms", 0, "out/alarms"),
		tagChangeFlow("f2", "Boiler/Temperature", "out/temp"),
	)

	fx.r.Close()
	if _, ok := fx.bus.activeSub("plant/+/alarms"); ok {
		t.Fatalf("Close left the alarm subscription")
	}
	if _, ok := fx.bus.activeSub("tags/c1/t9"); ok {
		t.Fatalf("Close left the tag subscription")
	}
	if n := len(fx.r.ActiveFilters()); n != 0 {
		t.Fatalf("ActiveFilters after Close = %d", n)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

func TestBusMessageFiresFlow(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh(nil, busInFlow("f1", "plant/+/alarms", 0, "out/alarms"))

	fx.bus.deliver("plant/7/alarms", []byte(`{"level":"high"}`))
	waitUntil(t, time.Second, func() bool { return len(fx.bus.byTopic("out/alarms")) == 1 })

	var body map[string]any
	if err := fx.codec.Decode(fx.bus.byTopic("out/alarms")[0].payload, &body); err != nil {
		t.Fatalf("decode republished payload: %v", err)
	}
	if body["level"] != "high" {
		t.Fatalf("payload = %v, want decoded JSON object", body)
	}
}

func TestBusMessageRawPayloadFallsBackToString(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh(nil, busInFlow("f1", "plant/+/alarms", 0, "out/alarms"))

	fx.bus.deliver("plant/7/alarms", []byte("overheat"))
	waitUntil(t, time.Second, func() bool { return len(fx.bus.byTopic("out/alarms")) == 1 })

	if got := string(fx.bus.byTopic("out/alarms")[0].payload); got != "overheat" {
		t.Fatalf("payload = %q, want raw string forwarded", got)
	}
}

func TestBusMessageIgnoresNonMatchingTopic(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh(nil, busInFlow("f1", "plant/+/alarms", 0, "out/alarms"))

	fx.bus.deliver("plant/7/status", []byte(`{}`))
	time.Sleep(20 * time.Millisecond)
	if n := len(fx.bus.byTopic("out/alarms")); n != 0 {
		t.Fatalf("non-matching topic fired the flow %d times", n)
	}
}

func TestTagChangeFiresFlow(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh([]models.ConnectionConfig{boilerConn()},
		tagChangeFlow("f1", "Boiler/Temperature", "out/temp"),
	)

	tv := models.TagValue{
		ConnectionID: "c1", TagID: "t9",
		TagName: "Temperature", TagPath: "Boiler/Temperature",
		Value: 95.5, DataType: models.TypeDouble, Quality: models.QualityGood,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	payload, err := fx.codec.Encode(tv)
	if err != nil {
		t.Fatalf("encode tag value: %v", err)
	}

	fx.bus.deliver("tags/c1/t9", payload)
	waitUntil(t, time.Second, func() bool { return len(fx.bus.byTopic("out/temp")) == 1 })

	if got := string(fx.bus.byTopic("out/temp")[0].payload); got != "Boiler/Temperature is 95.5 (Good)" {
		t.Fatalf("rendered line = %q", got)
	}
}

func TestTagChangeDropsUndecodablePayload(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh([]models.ConnectionConfig{boilerConn()},
		tagChangeFlow("f1", "Boiler/Temperature", "out/temp"),
	)

	fx.bus.deliver("tags/c1/t9", []byte("not json"))
	time.Sleep(20 * time.Millisecond)
	if n := len(fx.bus.byTopic("out/temp")); n != 0 {
		t.Fatalf("undecodable tag payload fired the flow %d times", n)
	}
}

func TestRebindTakesEffectWithoutResubscribe(t *testing.T) {
	fx := newRouterFixture(t)
	fx.refresh(nil, busInFlow("f1", "plant/+/alarms", 0, "out/one"))
	// Same filter, different flow: the subscription survives, the binding moves.
	fx.refresh(nil, busInFlow("f2", "plant/+/alarms", 0, "out/two"))

	if n := fx.bus.subscribeCalls(); n != 1 {
		t.Fatalf("subscribe calls = %d, want 1", n)
	}

	fx.bus.deliver("plant/7/alarms", []byte(`1`))
	waitUntil(t, time.Second, func() bool { return len(fx.bus.byTopic("out/two")) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(fx.bus.byTopic("out/one")); n != 0 {
		t.Fatalf("stale binding still fired %d times", n)
	}
}
