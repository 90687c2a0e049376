package flow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	jsonformat "github.com/vpbank/tag_engine/format/json"
	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/ctxstore"
	"github.com/vpbank/tag_engine/pkg/tagengine/script"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator mocks
// ─────────────────────────────────────────────────────────────────────────────

type mockTags struct {
	values map[string]models.TagValue
}

func (m *mockTags) Get(path string) (models.TagValue, bool) {
	v, ok := m.values[path]
	return v, ok
}

type tagWrite struct {
	path  string
	value any
}

type mockTagWriter struct {
	mu     sync.Mutex
	writes []tagWrite
	err    error
}

func (m *mockTagWriter) WriteTagByPath(_ context.Context, path string, value any) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, tagWrite{path: path, value: value})
	return nil
}

type mockHistory struct {
	mu     sync.Mutex
	stored []models.TagValue
}

func (m *mockHistory) StoreValue(v models.TagValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, v)
}

type fileLine struct {
	path string
	line string
}

type mockFiles struct {
	mu    sync.Mutex
	lines []fileLine
}

func (m *mockFiles) Append(path string, line []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, fileLine{path: path, line: string(line)})
	return nil
}

type nopPersister struct{}

func (nopPersister) LoadInternalTags() ([]models.InternalTagEntry, error) { return nil, nil }
func (nopPersister) SaveInternalTags([]models.InternalTagEntry) error     { return nil }

// ioFixture bundles every collaborator an IO node might need.
type ioFixture struct {
	bus     *mockBus
	tags    *mockTags
	writer  *mockTagWriter
	history *mockHistory
	files   *mockFiles
	store   *ctxstore.Store
	deps    Services
}

func newIOFixture(t *testing.T) *ioFixture {
	t.Helper()
	store, err := ctxstore.New(nopPersister{}, ctxstore.Config{Clock: clock.NewMock()}, nil)
	if err != nil {
		t.Fatalf("ctxstore.New: %v", err)
	}
	fx := &ioFixture{
		bus:     &mockBus{},
		tags:    &mockTags{values: map[string]models.TagValue{}},
		writer:  &mockTagWriter{},
		history: &mockHistory{},
		files:   &mockFiles{},
		store:   store,
	}
	fx.deps = Services{
		Tags:    fx.tags,
		Writer:  fx.writer,
		Bus:     fx.bus,
		Codec:   jsonformat.New(jsonformat.Config{}, nil),
		History: fx.history,
		Context: store,
		Script:  script.NewHost(script.Options{}, nil),
		Files:   fx.files,
		Clock:   clock.NewMock(),
	}.withDefaults()
	fx.deps.flowID = "f1"
	return fx
}

func (fx *ioFixture) build(t *testing.T, typ string, cfg map[string]any) Node {
	t.Helper()
	n, err := fx.tryBuild(t, typ, cfg)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	return n
}

func (fx *ioFixture) tryBuild(t *testing.T, typ string, cfg map[string]any) (Node, error) {
	t.Helper()
	_, factory, ok := testRegistry(t).Lookup(typ)
	if !ok {
		t.Fatalf("type %q not registered", typ)
	}
	return factory(nodeDef("n1", typ, cfg), fx.deps)
}

// ─────────────────────────────────────────────────────────────────────────────
// Tag access
// ─────────────────────────────────────────────────────────────────────────────

func TestTagInputNode(t *testing.T) {
	fx := newIOFixture(t)
	sampled := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fx.tags.values["Boiler/Temperature"] = models.TagValue{
		ConnectionID: "conn-1",
		TagID:        "tag-1",
		TagPath:      "Boiler/Temperature",
		Value:        81.5,
		DataType:     models.TypeDouble,
		Quality:      models.QualityGood,
		Timestamp:    sampled,
	}

	n := fx.build(t, "tag-input", map[string]any{"tagPath": "Boiler/Temperature"})
	ems := invokeNode(t, n, PortIn, Message{})
	if len(ems) != 1 {
		t.Fatalf("emissions = %+v", ems)
	}
	out := ems[0].Msg
	if out.Topic != "Boiler/Temperature" || out.Payload != 81.5 {
		t.Errorf("emitted %+v", out)
	}
	if out.MetaValue("quality") != models.QualityGood || out.MetaValue("timestamp") != sampled {
		t.Errorf("meta = %+v", out.Meta)
	}
}

func TestTagInputUnknownTag(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "tag-input", map[string]any{"tagPath": "Ghost/Tag"})
	if err := n.Invoke(context.Background(), &Context{}, Message{}); err == nil {
		t.Fatal("want error for unknown tag")
	}
}

func TestTagOutputNode(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "tag-output", map[string]any{"tagPath": "Boiler/Setpoint"})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: 65.0}), PortOut)
	if got != 65.0 {
		t.Errorf("forwarded %v, want 65", got)
	}
	if len(fx.writer.writes) != 1 || fx.writer.writes[0].path != "Boiler/Setpoint" || fx.writer.writes[0].value != 65.0 {
		t.Errorf("writes = %+v", fx.writer.writes)
	}
}

func TestTagOutputPropagatesWriteError(t *testing.T) {
	fx := newIOFixture(t)
	fx.writer.err = context.DeadlineExceeded
	n := fx.build(t, "tag-output", map[string]any{"tagPath": "Boiler/Setpoint"})

	rc := &Context{}
	if err := n.Invoke(context.Background(), rc, Message{Payload: 1.0}); err == nil {
		t.Fatal("want write error")
	}
	if len(rc.Emissions()) != 0 {
		t.Error("failed write still forwarded")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus out, debug, notification
// ─────────────────────────────────────────────────────────────────────────────

func TestBusOutNode(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "mqtt-out", map[string]any{"topic": "plant/alarms", "qos": 1.0, "retained": true})

	if ems := invokeNode(t, n, PortIn, Message{Payload: "overheat"}); len(ems) != 0 {
		t.Errorf("mqtt-out is terminal, emitted %+v", ems)
	}
	recs := fx.bus.byTopic("plant/alarms")
	if len(recs) != 1 {
		t.Fatalf("publishes = %+v", fx.bus.records)
	}
	if string(recs[0].payload) != "overheat" || recs[0].qos != 1 || !recs[0].retained {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestBusOutEncodesStructuredPayloads(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "mqtt-out", map[string]any{"topic": "t"})
	invokeNode(t, n, PortIn, Message{Payload: map[string]any{"v": 5.0}})

	recs := fx.bus.byTopic("t")
	if len(recs) != 1 || !strings.Contains(string(recs[0].payload), `"v":5`) {
		t.Errorf("records = %+v", recs)
	}
}

func TestBusOutFallsBackToMessageTopic(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "mqtt-out", nil)

	invokeNode(t, n, PortIn, Message{Topic: "from/msg", Payload: "x"})
	if len(fx.bus.byTopic("from/msg")) != 1 {
		t.Errorf("records = %+v", fx.bus.records)
	}

	err := n.Invoke(context.Background(), &Context{}, Message{Payload: "x"})
	if err == nil || !strings.Contains(err.Error(), "no topic") {
		t.Errorf("err = %v, want no-topic error", err)
	}
}

func TestBusOutConfigErrors(t *testing.T) {
	fx := newIOFixture(t)
	if _, err := fx.tryBuild(t, "mqtt-out", map[string]any{"qos": 3.0}); err == nil || !strings.Contains(err.Error(), "qos") {
		t.Errorf("err = %v, want qos error", err)
	}
}

func TestDebugNodeForwards(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "debug", map[string]any{"label": "after-scale"})
	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: 3.0}), PortOut)
	if got != 3.0 {
		t.Errorf("forwarded %v", got)
	}
}

func TestNotificationNode(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "notification", map[string]any{
		"level":   "warn",
		"message": "Boiler at {{payload}} °C",
	})

	rc := &Context{RunID: "run", FlowID: "f1", NodeID: "n1"}
	if err := n.Invoke(context.Background(), rc, Message{Payload: 93.0}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(rc.Emissions()) != 0 {
		t.Error("notification is terminal")
	}

	recs := fx.bus.byTopic("notifications")
	if len(recs) != 1 {
		t.Fatalf("publishes = %+v", fx.bus.records)
	}
	if recs[0].qos != 1 || recs[0].retained {
		t.Errorf("record = %+v, want qos 1 unretained", recs[0])
	}
	var body map[string]any
	if err := fx.deps.Codec.Decode(recs[0].payload, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "Boiler at 93 °C" {
		t.Errorf("message = %v", body["message"])
	}
	if body["level"] != "WARN" || body["flowId"] != "f1" || body["nodeId"] != "n1" {
		t.Errorf("body = %v", body)
	}
}

func TestNotificationConfigErrors(t *testing.T) {
	fx := newIOFixture(t)
	if _, err := fx.tryBuild(t, "notification", nil); err == nil || !strings.Contains(err.Error(), "message is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := fx.tryBuild(t, "notification", map[string]any{"message": "x", "level": "severe"}); err == nil || !strings.Contains(err.Error(), "level must be") {
		t.Errorf("err = %v", err)
	}
	if _, err := fx.tryBuild(t, "notification", map[string]any{"message": "{{#broken"}); err == nil {
		t.Error("want template parse error")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Template
// ─────────────────────────────────────────────────────────────────────────────

func TestTemplateNode(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "template", map[string]any{"template": "{{topic}} is {{payload}} ({{meta.quality}})"})

	msg := Message{Topic: "Boiler/Temperature", Payload: 81.5, Meta: map[string]any{"quality": "Good"}}
	got := singlePayload(t, invokeNode(t, n, PortIn, msg), PortOut)
	if got != "Boiler/Temperature is 81.5 (Good)" {
		t.Errorf("rendered %q", got)
	}
}

func TestTemplateConfigErrors(t *testing.T) {
	fx := newIOFixture(t)
	if _, err := fx.tryBuild(t, "template", nil); err == nil || !strings.Contains(err.Error(), "template is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := fx.tryBuild(t, "template", map[string]any{"template": "{{#broken"}); err == nil {
		t.Error("want parse error")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Context store nodes
// ─────────────────────────────────────────────────────────────────────────────

func TestContextSetGetRoundTrip(t *testing.T) {
	fx := newIOFixture(t)
	set := fx.build(t, "context-set", map[string]any{"scope": "flow", "path": "counter"})
	get := fx.build(t, "context-get", map[string]any{"scope": "flow", "path": "counter"})

	invokeNode(t, set, PortIn, Message{Payload: 7.0})
	got := singlePayload(t, invokeNode(t, get, PortIn, Message{}), PortOut)
	if got != 7.0 {
		t.Errorf("round trip = %v, want 7", got)
	}

	// Flow scope is invisible to other flows.
	if _, ok := fx.store.Value(ctxstore.FlowKey("other-flow", "counter")); ok {
		t.Error("value leaked into another flow's scope")
	}
	if v, ok := fx.store.Value(ctxstore.FlowKey("f1", "counter")); !ok || v != 7.0 {
		t.Errorf("store value = %v/%v", v, ok)
	}
}

func TestContextGetDefault(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "context-get", map[string]any{"path": "missing", "default": 42.0})
	got := singlePayload(t, invokeNode(t, n, PortIn, Message{}), PortOut)
	if got != 42.0 {
		t.Errorf("default = %v, want 42", got)
	}
}

func TestContextNodeConfigErrors(t *testing.T) {
	fx := newIOFixture(t)
	if _, err := fx.tryBuild(t, "context-get", nil); err == nil || !strings.Contains(err.Error(), "path is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := fx.tryBuild(t, "context-set", map[string]any{"path": "x", "scope": "galaxy"}); err == nil {
		t.Error("want unknown-scope error")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP request
// ─────────────────────────────────────────────────────────────────────────────

func TestHTTPRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("X-Token = %q", r.Header.Get("X-Token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	fx := newIOFixture(t)
	n := fx.build(t, "http-request", map[string]any{
		"url":     srv.URL + "/api/{{topic}}",
		"headers": map[string]any{"X-Token": "secret"},
	})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Topic: "boiler"}), PortOut)
	out, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T %v", got, got)
	}
	if out["status"] != 200 {
		t.Errorf("status = %v", out["status"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("body = %v", out["body"])
	}
}

func TestHTTPRequestPostSendsPayload(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	fx := newIOFixture(t)
	n := fx.build(t, "http-request", map[string]any{"method": "post", "url": srv.URL})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: map[string]any{"v": 5.0}}), PortOut)
	out := got.(map[string]any)
	if out["body"] != "accepted" {
		t.Errorf("body = %v (non-JSON responses stay strings)", out["body"])
	}
	if !strings.Contains(gotBody, `"v":5`) || gotContentType != "application/json" {
		t.Errorf("request body = %q, content type = %q", gotBody, gotContentType)
	}
}

func TestHTTPRequestSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fx := newIOFixture(t)
	n := fx.build(t, "http-request", map[string]any{"url": srv.URL})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{}), PortOut)
	if got.(map[string]any)["status"] != 500 {
		t.Errorf("payload = %v, want status 500 surfaced, not an error", got)
	}
}

func TestHTTPRequestConfigErrors(t *testing.T) {
	fx := newIOFixture(t)
	if _, err := fx.tryBuild(t, "http-request", nil); err == nil || !strings.Contains(err.Error(), "url is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := fx.tryBuild(t, "http-request", map[string]any{"url": "http://x", "method": "TRACE"}); err == nil || !strings.Contains(err.Error(), "unsupported method") {
		t.Errorf("err = %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Script
// ─────────────────────────────────────────────────────────────────────────────

func TestScriptNodeTransformsPayload(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "script", map[string]any{"code": "input * 1.8 + 32"})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: 100.0}), PortOut)
	if got != 212.0 {
		t.Errorf("script = %v, want 212", got)
	}
}

func TestScriptNodeActsAsFilter(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "script", map[string]any{"code": "payload > 10 ? payload : nil"})

	if ems := invokeNode(t, n, PortIn, Message{Payload: 5.0}); len(ems) != 0 {
		t.Errorf("nil return should emit nothing, got %+v", ems)
	}
	if got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: 12.0}), PortOut); got != 12.0 {
		t.Errorf("pass-through = %v", got)
	}
}

func TestScriptNodeReadsAndWritesTags(t *testing.T) {
	fx := newIOFixture(t)
	fx.tags.values["Boiler/Temperature"] = models.TagValue{Value: 90.0}
	n := fx.build(t, "script", map[string]any{
		"code": `writeTag("Boiler/Alarm", tagNumber("Boiler/Temperature") > 85)`,
	})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{}), PortOut)
	if got != true {
		t.Errorf("returned %v", got)
	}
	if len(fx.writer.writes) != 1 || fx.writer.writes[0].path != "Boiler/Alarm" || fx.writer.writes[0].value != true {
		t.Errorf("writes = %+v", fx.writer.writes)
	}
}

func TestScriptNodeStateIsFlowScoped(t *testing.T) {
	fx := newIOFixture(t)
	set := fx.build(t, "script", map[string]any{"code": `stateSet("last", payload)`})
	get := fx.build(t, "script", map[string]any{"code": `stateGet("last")`})

	invokeNode(t, set, PortIn, Message{Payload: 7.0})
	if got := singlePayload(t, invokeNode(t, get, PortIn, Message{}), PortOut); got != 7.0 {
		t.Errorf("stateGet = %v, want 7 (shared across the flow's nodes)", got)
	}
	if _, ok := fx.store.Value(ctxstore.FlowKey("other-flow", "last")); ok {
		t.Error("state leaked into another flow")
	}
}

func TestScriptNodeRuntimeError(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "script", map[string]any{"code": `tagNumber("Ghost/Tag")`})

	rc := &Context{}
	if err := n.Invoke(context.Background(), rc, Message{}); err == nil {
		t.Fatal("want runtime error for unknown tag")
	}
	if len(rc.Emissions()) != 0 {
		t.Error("failed script still emitted")
	}
}

func TestScriptNodeRejectsBadCodeAtCompile(t *testing.T) {
	fx := newIOFixture(t)
	if _, err := fx.tryBuild(t, "script", map[string]any{"code": "input +* 2"}); err == nil {
		t.Error("want compile-time rejection")
	}
	if _, err := fx.tryBuild(t, "script", nil); err == nil || !strings.Contains(err.Error(), "code is required") {
		t.Errorf("err = %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// File and history sinks
// ─────────────────────────────────────────────────────────────────────────────

func TestFileWriteNode(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "file-write", map[string]any{
		"path":     "out/alarms.log",
		"template": "{{topic}}: {{payload}}",
	})

	if ems := invokeNode(t, n, PortIn, Message{Topic: "boiler", Payload: "hot"}); len(ems) != 0 {
		t.Errorf("file-write is terminal, emitted %+v", ems)
	}
	if len(fx.files.lines) != 1 || fx.files.lines[0].path != "out/alarms.log" || fx.files.lines[0].line != "boiler: hot" {
		t.Errorf("lines = %+v", fx.files.lines)
	}
}

func TestFileWriteWithoutTemplate(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "file-write", map[string]any{"path": "out/raw.log"})

	invokeNode(t, n, PortIn, Message{Payload: map[string]any{"v": 5.0}})
	if len(fx.files.lines) != 1 || !strings.Contains(fx.files.lines[0].line, `"v":5`) {
		t.Errorf("lines = %+v", fx.files.lines)
	}
}

func TestDBWriteNode(t *testing.T) {
	fx := newIOFixture(t)
	fx.tags.values["Boiler/Temperature"] = models.TagValue{
		ConnectionID: "conn-1",
		TagID:        "tag-1",
		TagName:      "Temperature",
		TagPath:      "Boiler/Temperature",
		DataType:     models.TypeDouble,
	}
	n := fx.build(t, "db-write", map[string]any{"tagPath": "Boiler/Temperature"})

	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: 81.5}), PortOut)
	if got != 81.5 {
		t.Errorf("forwarded %v", got)
	}
	if len(fx.history.stored) != 1 {
		t.Fatalf("stored = %+v", fx.history.stored)
	}
	tv := fx.history.stored[0]
	if tv.ConnectionID != "conn-1" || tv.TagID != "tag-1" || tv.Value != 81.5 {
		t.Errorf("stored = %+v (cached identity should be reused)", tv)
	}
}

func TestDBWriteFallsBackToTopicAndPath(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "db-write", nil)

	invokeNode(t, n, PortIn, Message{Topic: "AdHoc/Metric", Payload: 1.0})
	if len(fx.history.stored) != 1 {
		t.Fatalf("stored = %+v", fx.history.stored)
	}
	tv := fx.history.stored[0]
	if tv.ConnectionID != "AdHoc" || tv.TagID != "Metric" || tv.TagName != "Metric" {
		t.Errorf("stored = %+v (path should split into identity)", tv)
	}

	err := n.Invoke(context.Background(), &Context{}, Message{Payload: 1.0})
	if err == nil || !strings.Contains(err.Error(), "no tag path") {
		t.Errorf("err = %v", err)
	}
}

func TestDBWriteHonorsMetaOverrides(t *testing.T) {
	fx := newIOFixture(t)
	n := fx.build(t, "db-write", map[string]any{"tagPath": "AdHoc/Metric"})

	sampled := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	invokeNode(t, n, PortIn, Message{
		Payload: 2.0,
		Meta:    map[string]any{"quality": models.QualityUncertain, "timestamp": sampled},
	})
	tv := fx.history.stored[0]
	if tv.Quality != models.QualityUncertain || !tv.Timestamp.Equal(sampled) {
		t.Errorf("stored = %+v", tv)
	}
}
