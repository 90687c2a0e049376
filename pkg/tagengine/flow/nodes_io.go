package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cbroglie/mustache"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/ctxstore"
	"github.com/vpbank/tag_engine/pkg/tagengine/script"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tag access
// ─────────────────────────────────────────────────────────────────────────────

// tagInputNode reads the current value of one tag from the value cache and
// emits it. Topic becomes the tag path; quality, data type and sample
// timestamp ride in meta.
// Config: {"tagPath": "Boiler/Temperature"}.
type tagInputNode struct {
	path string
	tags TagReader
}

func newTagInput(def models.NodeDefinition, deps Services) (Node, error) {
	path := cfgString(def.Config, "tagPath", "")
	if path == "" {
		return nil, nodeErr(def, "tagPath is required")
	}
	if deps.Tags == nil {
		return nil, nodeErr(def, "tag reads unavailable")
	}
	return &tagInputNode{path: path, tags: deps.Tags}, nil
}

func (n *tagInputNode) Invoke(_ context.Context, run *Context, _ Message) error {
	tv, ok := n.tags.Get(n.path)
	if !ok {
		return fmt.Errorf("unknown tag %s", n.path)
	}
	run.Emit(PortOut, Message{
		Topic:   n.path,
		Payload: tv.Value,
		Meta: map[string]any{
			"quality":   tv.Quality,
			"dataType":  tv.DataType,
			"timestamp": tv.Timestamp,
		},
	})
	return nil
}

// tagOutputNode writes the payload to one tag and forwards the message.
// Config: {"tagPath": "Boiler/Setpoint"}.
type tagOutputNode struct {
	path   string
	writer TagWriter
}

func newTagOutput(def models.NodeDefinition, deps Services) (Node, error) {
	path := cfgString(def.Config, "tagPath", "")
	if path == "" {
		return nil, nodeErr(def, "tagPath is required")
	}
	if deps.Writer == nil {
		return nil, nodeErr(def, "tag writes unavailable")
	}
	return &tagOutputNode{path: path, writer: deps.Writer}, nil
}

func (n *tagOutputNode) Invoke(ctx context.Context, run *Context, msg Message) error {
	if err := n.writer.WriteTagByPath(ctx, n.path, msg.Payload); err != nil {
		return err
	}
	run.Emit(PortOut, msg)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus out
// ─────────────────────────────────────────────────────────────────────────────

// busOutNode publishes the payload. []byte and string payloads go out raw;
// anything else is JSON-encoded. An empty configured topic publishes on the
// message's own topic.
// Config: {"topic": "plant/alarms", "qos": 1, "retained": false}.
type busOutNode struct {
	topic    string
	qos      byte
	retained bool
	bus      Publisher
	codec    Codec
}

func newBusOut(def models.NodeDefinition, deps Services) (Node, error) {
	if deps.Bus == nil {
		return nil, nodeErr(def, "bus unavailable")
	}
	if deps.Codec == nil {
		return nil, nodeErr(def, "codec unavailable")
	}
	qos := cfgInt(def.Config, "qos", 0)
	if qos < 0 || qos > 2 {
		return nil, nodeErr(def, "qos must be 0, 1 or 2")
	}
	return &busOutNode{
		topic:    cfgString(def.Config, "topic", ""),
		qos:      byte(qos),
		retained: cfgBool(def.Config, "retained", false),
		bus:      deps.Bus,
		codec:    deps.Codec,
	}, nil
}

func (n *busOutNode) Invoke(_ context.Context, _ *Context, msg Message) error {
	topic := n.topic
	if topic == "" {
		topic = msg.Topic
	}
	if topic == "" {
		return errors.New("no topic: configure one or set it on the message")
	}
	data, err := encodePayload(n.codec, msg.Payload)
	if err != nil {
		return err
	}
	return n.bus.Publish(topic, data, n.qos, n.retained)
}

// encodePayload renders a message payload as bus bytes.
func encodePayload(codec Codec, payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return codec.Encode(v)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Debug and notification
// ─────────────────────────────────────────────────────────────────────────────

// debugNode logs the message and forwards it. Config: {"label": "after-scale"}.
type debugNode struct {
	label  string
	logger *slog.Logger
}

func newDebug(def models.NodeDefinition, deps Services) (Node, error) {
	return &debugNode{
		label:  cfgString(def.Config, "label", def.ID),
		logger: deps.Logger,
	}, nil
}

func (n *debugNode) Invoke(_ context.Context, run *Context, msg Message) error {
	n.logger.Info("flow: debug",
		"flow", run.FlowID,
		"label", n.label,
		"topic", msg.Topic,
		"payload", msg.Payload,
	)
	run.Emit(PortOut, msg)
	return nil
}

// notificationNode renders a mustache template and publishes the result on
// the notifications topic, QoS 1, alongside a log line at the configured
// level.
// Config: {"level": "warn", "message": "Boiler at {{payload}} °C"}.
type notificationNode struct {
	level  slog.Level
	tpl    *mustache.Template
	bus    Publisher
	codec  Codec
	clk    clock.Clock
	logger *slog.Logger
}

func newNotification(def models.NodeDefinition, deps Services) (Node, error) {
	raw := cfgString(def.Config, "message", "")
	if raw == "" {
		return nil, nodeErr(def, "message is required")
	}
	tpl, err := mustache.ParseString(raw)
	if err != nil {
		return nil, nodeErr(def, "invalid message template: %v", err)
	}
	var level slog.Level
	switch l := cfgString(def.Config, "level", "info"); l {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nodeErr(def, "level must be one of debug, info, warn, error")
	}
	if deps.Bus == nil {
		return nil, nodeErr(def, "bus unavailable")
	}
	if deps.Codec == nil {
		return nil, nodeErr(def, "codec unavailable")
	}
	return &notificationNode{
		level:  level,
		tpl:    tpl,
		bus:    deps.Bus,
		codec:  deps.Codec,
		clk:    deps.Clock,
		logger: deps.Logger,
	}, nil
}

func (n *notificationNode) Invoke(ctx context.Context, run *Context, msg Message) error {
	text, err := n.tpl.Render(templateView(msg))
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	n.logger.Log(ctx, n.level, "flow: notification", "flow", run.FlowID, "node", run.NodeID, "message", text)

	payload, err := n.codec.Encode(map[string]any{
		"level":     n.level.String(),
		"message":   text,
		"flowId":    run.FlowID,
		"nodeId":    run.NodeID,
		"timestamp": n.clk.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.bus.Publish(mqtt.TopicNotifications, payload, 1, false)
}

// ─────────────────────────────────────────────────────────────────────────────
// Template
// ─────────────────────────────────────────────────────────────────────────────

// templateView is the data a mustache template sees: {{payload}}, {{topic}}
// and {{meta.key}}.
func templateView(msg Message) map[string]any {
	return map[string]any{
		"payload": msg.Payload,
		"topic":   msg.Topic,
		"meta":    msg.Meta,
	}
}

// templateNode replaces the payload with a rendered mustache string.
// Config: {"template": "{{topic}} is {{payload}}"}.
type templateNode struct {
	tpl *mustache.Template
}

func newTemplate(def models.NodeDefinition, _ Services) (Node, error) {
	raw := cfgString(def.Config, "template", "")
	if raw == "" {
		return nil, nodeErr(def, "template is required")
	}
	tpl, err := mustache.ParseString(raw)
	if err != nil {
		return nil, nodeErr(def, "invalid template: %v", err)
	}
	return &templateNode{tpl: tpl}, nil
}

func (n *templateNode) Invoke(_ context.Context, run *Context, msg Message) error {
	text, err := n.tpl.Render(templateView(msg))
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	run.Emit(PortOut, msg.WithPayload(text))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Context store access
// ─────────────────────────────────────────────────────────────────────────────

// contextGetNode emits the value stored under (scope, path), or the
// configured default when absent.
// Config: {"scope": "flow", "path": "counter", "default": 0}.
type contextGetNode struct {
	scope    string
	path     string
	fallback any
	store    ctxstore.Scoped
}

func newContextGet(def models.NodeDefinition, deps Services) (Node, error) {
	if deps.Context == nil {
		return nil, nodeErr(def, "context store unavailable")
	}
	path := cfgString(def.Config, "path", "")
	if path == "" {
		return nil, nodeErr(def, "path is required")
	}
	scoped := deps.Context.Scoped(deps.flowID, def.ID)
	scope := cfgString(def.Config, "scope", ctxstore.ScopeGlobal)
	if _, err := scoped.Key(scope, path); err != nil {
		return nil, nodeErr(def, "%v", err)
	}
	return &contextGetNode{
		scope:    scope,
		path:     path,
		fallback: def.Config["default"],
		store:    scoped,
	}, nil
}

func (n *contextGetNode) Invoke(_ context.Context, run *Context, msg Message) error {
	v, ok := n.store.Get(n.scope, n.path)
	if !ok {
		v = n.fallback
	}
	run.Emit(PortOut, msg.WithPayload(v))
	return nil
}

// contextSetNode stores the payload under (scope, path) and forwards the
// message unchanged.
// Config: {"scope": "global", "path": "shift"}.
type contextSetNode struct {
	scope string
	path  string
	store ctxstore.Scoped
}

func newContextSet(def models.NodeDefinition, deps Services) (Node, error) {
	if deps.Context == nil {
		return nil, nodeErr(def, "context store unavailable")
	}
	path := cfgString(def.Config, "path", "")
	if path == "" {
		return nil, nodeErr(def, "path is required")
	}
	scoped := deps.Context.Scoped(deps.flowID, def.ID)
	scope := cfgString(def.Config, "scope", ctxstore.ScopeGlobal)
	if _, err := scoped.Key(scope, path); err != nil {
		return nil, nodeErr(def, "%v", err)
	}
	return &contextSetNode{scope: scope, path: path, store: scoped}, nil
}

func (n *contextSetNode) Invoke(_ context.Context, run *Context, msg Message) error {
	if err := n.store.Set(n.scope, n.path, msg.Payload); err != nil {
		return err
	}
	run.Emit(PortOut, msg)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP request
// ─────────────────────────────────────────────────────────────────────────────

// httpRequestNode calls an HTTP endpoint and emits {"status", "body"}. The
// URL is a mustache template rendered per message; POST/PUT/PATCH carry the
// payload as the request body. JSON response bodies are decoded, anything
// else stays a string.
// Config: {"method": "POST", "url": "http://host/api/{{topic}}", "timeoutMs": 5000,
// "headers": {"X-Token": "..."}}.
type httpRequestNode struct {
	method  string
	url     *mustache.Template
	timeout time.Duration
	headers map[string]string
	client  *http.Client
	codec   Codec
}

func newHTTPRequest(def models.NodeDefinition, deps Services) (Node, error) {
	rawURL := cfgString(def.Config, "url", "")
	if rawURL == "" {
		return nil, nodeErr(def, "url is required")
	}
	tpl, err := mustache.ParseString(rawURL)
	if err != nil {
		return nil, nodeErr(def, "invalid url template: %v", err)
	}
	method := strings.ToUpper(cfgString(def.Config, "method", http.MethodGet))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return nil, nodeErr(def, "unsupported method %q", method)
	}
	if deps.Codec == nil {
		return nil, nodeErr(def, "codec unavailable")
	}

	headers := make(map[string]string)
	for k, v := range cfgMap(def.Config, "headers") {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return &httpRequestNode{
		method:  method,
		url:     tpl,
		timeout: time.Duration(cfgInt(def.Config, "timeoutMs", 5000)) * time.Millisecond,
		headers: headers,
		client:  deps.HTTP,
		codec:   deps.Codec,
	}, nil
}

// maxResponseBody caps how much of a response the node will buffer.
const maxResponseBody = 1 << 20

func (n *httpRequestNode) Invoke(ctx context.Context, run *Context, msg Message) error {
	url, err := n.url.Render(templateView(msg))
	if err != nil {
		return fmt.Errorf("render url: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var body io.Reader
	hasBody := n.method == http.MethodPost || n.method == http.MethodPut || n.method == http.MethodPatch
	if hasBody {
		data, err := encodePayload(n.codec, msg.Payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, n.method, url, body)
	if err != nil {
		return err
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}

	var decoded any
	if err := n.codec.Decode(raw, &decoded); err != nil {
		decoded = string(raw)
	}
	run.Emit(PortOut, msg.WithPayload(map[string]any{
		"status": resp.StatusCode,
		"body":   decoded,
	}))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Script
// ─────────────────────────────────────────────────────────────────────────────

// scriptNode evaluates user code through the script host. The payload is
// bound to `input` (and `payload`); `msg` exposes topic and meta; scratch
// state defaults to flow scope so parallel flows never collide. A nil return
// value emits nothing, so scripts can act as filters.
// Config: {"code": "input * 1.8 + 32"}.
type scriptNode struct {
	code   string
	host   script.Host
	tags   TagReader
	writer TagWriter
	state  ctxstore.Scoped
}

func newScript(def models.NodeDefinition, deps Services) (Node, error) {
	code := cfgString(def.Config, "code", "")
	if code == "" {
		return nil, nodeErr(def, "code is required")
	}
	if deps.Script == nil {
		return nil, nodeErr(def, "script host unavailable")
	}
	if diags := deps.Script.Validate(code); len(diags) > 0 {
		return nil, nodeErr(def, "invalid code: %s", diags[0].Message)
	}
	var state ctxstore.Scoped
	if deps.Context != nil {
		state = deps.Context.Scoped(deps.flowID, def.ID)
	}
	return &scriptNode{
		code:   code,
		host:   deps.Script,
		tags:   deps.Tags,
		writer: deps.Writer,
		state:  state,
	}, nil
}

func (n *scriptNode) Invoke(ctx context.Context, run *Context, msg Message) error {
	g := script.Globals{
		Tags:       n.tags,
		Writer:     n.writer,
		State:      n.state,
		StateScope: ctxstore.ScopeFlow,
		Vars: map[string]any{
			"payload": msg.Payload,
			"topic":   msg.Topic,
			"msg": map[string]any{
				"payload": msg.Payload,
				"topic":   msg.Topic,
				"meta":    msg.Meta,
			},
		},
	}
	res := n.host.Execute(ctx, n.code, g, msg.Payload, 0)
	if !res.Success {
		return errors.New(res.ErrorMessage)
	}
	if res.ReturnValue != nil {
		run.Emit(PortOut, msg.WithPayload(res.ReturnValue))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// File and history sinks
// ─────────────────────────────────────────────────────────────────────────────

// fileWriteNode appends one line per message to a rotating file. Without a
// template the payload itself is written ([]byte/string raw, others JSON).
// Config: {"path": "out/alarms.log", "template": "{{topic}}: {{payload}}"}.
type fileWriteNode struct {
	path  string
	tpl   *mustache.Template
	files FileAppender
	codec Codec
}

func newFileWrite(def models.NodeDefinition, deps Services) (Node, error) {
	path := cfgString(def.Config, "path", "")
	if path == "" {
		return nil, nodeErr(def, "path is required")
	}
	if deps.Files == nil {
		return nil, nodeErr(def, "file sink unavailable")
	}
	if deps.Codec == nil {
		return nil, nodeErr(def, "codec unavailable")
	}
	n := &fileWriteNode{path: path, files: deps.Files, codec: deps.Codec}
	if raw := cfgString(def.Config, "template", ""); raw != "" {
		tpl, err := mustache.ParseString(raw)
		if err != nil {
			return nil, nodeErr(def, "invalid template: %v", err)
		}
		n.tpl = tpl
	}
	return n, nil
}

func (n *fileWriteNode) Invoke(_ context.Context, _ *Context, msg Message) error {
	var line []byte
	if n.tpl != nil {
		text, err := n.tpl.Render(templateView(msg))
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		line = []byte(text)
	} else {
		data, err := encodePayload(n.codec, msg.Payload)
		if err != nil {
			return err
		}
		line = data
	}
	return n.files.Append(n.path, line)
}

// dbWriteNode enqueues the payload into the history store as a sample of the
// configured tag. When the tag exists in the value cache its stable identity
// (connection id, tag id) is reused; unknown paths fall back to path-derived
// names so ad-hoc flow data is still queryable.
// Config: {"tagPath": "Boiler/Temperature"} — omitted, msg.Topic is used.
type dbWriteNode struct {
	path    string
	tags    TagReader
	history HistoryWriter
	clk     clock.Clock
}

func newDBWrite(def models.NodeDefinition, deps Services) (Node, error) {
	if deps.History == nil {
		return nil, nodeErr(def, "history store unavailable")
	}
	return &dbWriteNode{
		path:    cfgString(def.Config, "tagPath", ""),
		tags:    deps.Tags,
		history: deps.History,
		clk:     deps.Clock,
	}, nil
}

func (n *dbWriteNode) Invoke(_ context.Context, run *Context, msg Message) error {
	path := n.path
	if path == "" {
		path = msg.Topic
	}
	if path == "" {
		return errors.New("no tag path: configure one or set the message topic")
	}

	tv := models.TagValue{
		TagPath:   path,
		Value:     msg.Payload,
		Quality:   models.QualityGood,
		Timestamp: n.clk.Now().UTC().Truncate(time.Millisecond),
	}
	if n.tags != nil {
		if cached, ok := n.tags.Get(path); ok {
			tv.ConnectionID = cached.ConnectionID
			tv.TagID = cached.TagID
			tv.TagName = cached.TagName
			tv.DataType = cached.DataType
		}
	}
	if tv.ConnectionID == "" {
		conn, tag, ok := models.SplitTagPath(path)
		if !ok {
			return fmt.Errorf("invalid tag path %q", path)
		}
		tv.ConnectionID = conn
		tv.TagID = tag
		tv.TagName = tag
	}
	if q, ok := msg.MetaValue("quality").(models.Quality); ok {
		tv.Quality = q
	}
	if ts, ok := msg.MetaValue("timestamp").(time.Time); ok {
		tv.Timestamp = ts
	}

	n.history.StoreValue(tv)
	run.Emit(PortOut, msg)
	return nil
}
