// Package router subscribes to the bus on behalf of flow trigger nodes.
// After each config reload it scans the deployed flows for mqtt-in nodes
// (subscribing to their topic filters) and tag-change-trigger nodes
// (subscribing to the retained tags/<connId>/<tagId> topic their tag path
// resolves to), keeping one bus subscription per distinct filter and a
// registry of the (flow, node) pairs bound to it. Arriving messages fan out
// as flow runs seeded at the bound trigger nodes.
//
// Reloads diff against the active set: filters that survive keep their bus
// subscription and only swap bindings, so an unchanged mqtt-in node never
// sees a retained-message replay from resubscribing.
package router

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/flow"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// Trigger kinds reported to the flow manager (and its run metrics).
const (
	kindBus       = "bus"
	kindTagChange = "tag-change"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator contracts
// ─────────────────────────────────────────────────────────────────────────────

// Subscriber is the bus subscription surface. The mqtt client implements it;
// Subscribe returns the handle that tears the registration down again.
type Subscriber interface {
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) (func(), error)
}

// FlowSource is the flow-manager surface the router consumes: the deployed
// set to scan for trigger bindings and the entry point that starts runs.
type FlowSource interface {
	Compiled() []*flow.CompiledFlow
	RunFrom(flowID, nodeID string, msg flow.Message, kind string)
}

// Codec decodes bus payloads.
type Codec interface {
	Decode(data []byte, into any) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Router
// ─────────────────────────────────────────────────────────────────────────────

// binding ties one subscription filter to one trigger node.
type binding struct {
	flowID string
	nodeID string
	kind   string
}

// patternSub is one live bus subscription shared by every binding whose
// filter matches it.
type patternSub struct {
	qos      byte
	bindings []binding
	unsub    func()
}

// Router owns the trigger subscriptions. Construct with New, call Refresh
// after every flow or connection reload, and Close on shutdown.
type Router struct {
	bus    Subscriber
	codec  Codec
	flows  FlowSource
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*patternSub
}

// New builds a router with no active subscriptions.
func New(bus Subscriber, codec Codec, flows FlowSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Router{
		bus:    bus,
		codec:  codec,
		flows:  flows,
		logger: logger,
		subs:   make(map[string]*patternSub),
	}
}

// Refresh rescans the deployed flows and reconciles the subscription set.
// conns resolve tag-change-trigger paths to their tags/<connId>/<tagId>
// topics. Filters already subscribed keep their bus registration; only the
// diff touches the broker.
func (r *Router) Refresh(conns []models.ConnectionConfig) {
	want := r.desiredSubs(conns)

	var drop []func()
	var add []string

	r.mu.Lock()
	for filter, sub := range r.subs {
		d, keep := want[filter]
		if keep && d.qos == sub.qos {
			sub.bindings = d.bindings
			delete(want, filter)
			continue
		}
		// Removed, or QoS changed: a QoS change needs a fresh broker
		// subscription, so it goes through drop-and-add.
		if sub.unsub != nil {
			drop = append(drop, sub.unsub)
		}
		delete(r.subs, filter)
	}
	for filter, d := range want {
		r.subs[filter] = &patternSub{qos: d.qos, bindings: d.bindings}
		add = append(add, filter)
	}
	active := len(r.subs)
	r.mu.Unlock()

	for _, unsub := range drop {
		unsub()
	}

	sort.Strings(add)
	for _, filter := range add {
		r.subscribe(filter)
	}

	subscriptionsActive.Set(float64(active))
	r.logger.Info("router: subscriptions refreshed",
		"active", active,
		"added", len(add),
		"removed", len(drop),
	)
}

// Close drops every subscription.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*patternSub)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.unsub != nil {
			sub.unsub()
		}
	}
	subscriptionsActive.Set(0)
	r.logger.Info("router: closed", "dropped", len(subs))
}

// ActiveFilters returns the subscribed filters, sorted.
func (r *Router) ActiveFilters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for filter := range r.subs {
		out = append(out, filter)
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan
// ─────────────────────────────────────────────────────────────────────────────

type desiredSub struct {
	qos      byte
	bindings []binding
}

// desiredSubs computes the filter → bindings registry the deployed flows
// call for.
func (r *Router) desiredSubs(conns []models.ConnectionConfig) map[string]*desiredSub {
	tagTopics := tagTopicIndex(conns)
	want := make(map[string]*desiredSub)

	bind := func(filter string, qos byte, b binding) {
		d := want[filter]
		if d == nil {
			d = &desiredSub{}
			want[filter] = d
		}
		if qos > d.qos {
			d.qos = qos
		}
		d.bindings = append(d.bindings, b)
	}

	for _, cf := range r.flows.Compiled() {
		flowID := cf.Def.ID
		for _, nd := range cf.NodesOfType("mqtt-in") {
			filter := cfgString(nd.Config, "topic", "")
			if filter == "" {
				continue
			}
			bind(filter, cfgQoS(nd.Config), binding{flowID: flowID, nodeID: nd.ID, kind: kindBus})
		}
		for _, nd := range cf.NodesOfType("tag-change-trigger") {
			path := cfgString(nd.Config, "tagPath", "")
			topic, ok := tagTopics[path]
			if !ok {
				r.logger.Warn("router: tag trigger references unknown tag",
					"flow", flowID, "node", nd.ID, "tag", path)
				continue
			}
			bind(topic, 0, binding{flowID: flowID, nodeID: nd.ID, kind: kindTagChange})
		}
	}
	return want
}

// tagTopicIndex maps "ConnectionName/TagName" paths to their retained value
// topics.
func tagTopicIndex(conns []models.ConnectionConfig) map[string]string {
	idx := make(map[string]string)
	for _, c := range conns {
		for _, tg := range c.Tags {
			idx[models.JoinTagPath(c.Name, tg.Name)] = mqtt.TopicTagValue(c.ID, tg.ID)
		}
	}
	return idx
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

func (r *Router) subscribe(filter string) {
	r.mu.Lock()
	sub := r.subs[filter]
	r.mu.Unlock()
	if sub == nil {
		return
	}

	unsub, err := r.bus.Subscribe(filter, sub.qos, r.handlerFor(filter))
	if err != nil {
		r.logger.Warn("router: subscribe failed", "filter", filter, "error", err.Error())
		r.mu.Lock()
		delete(r.subs, filter)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if cur := r.subs[filter]; cur != nil {
		cur.unsub = unsub
		r.mu.Unlock()
		return
	}
	// A concurrent refresh dropped the filter while we were subscribing.
	r.mu.Unlock()
	unsub()
}

// handlerFor builds the bus callback for one filter. Bindings are looked up
// per message, so a refresh that rebinds the filter takes effect without a
// resubscribe.
func (r *Router) handlerFor(filter string) mqtt.MessageHandler {
	return func(topic string, payload []byte) {
		r.mu.Lock()
		var bindings []binding
		if sub := r.subs[filter]; sub != nil {
			bindings = append(bindings, sub.bindings...)
		}
		r.mu.Unlock()

		for _, b := range bindings {
			switch b.kind {
			case kindBus:
				messagesTotal.WithLabelValues(kindBus).Inc()
				r.flows.RunFrom(b.flowID, b.nodeID, r.busSeed(topic, payload), kindBus)
			case kindTagChange:
				msg, ok := r.tagSeed(topic, payload)
				if !ok {
					continue
				}
				messagesTotal.WithLabelValues(kindTagChange).Inc()
				r.flows.RunFrom(b.flowID, b.nodeID, msg, kindTagChange)
			}
		}
	}
}

// busSeed shapes an mqtt-in trigger message: JSON payloads arrive decoded,
// anything else rides along as a raw string.
func (r *Router) busSeed(topic string, payload []byte) flow.Message {
	var v any
	if err := r.codec.Decode(payload, &v); err != nil {
		v = string(payload)
	}
	return flow.Message{Topic: topic, Payload: v}
}

// tagSeed shapes a tag-change trigger message the same way a tag-input node
// does: topic is the tag path, payload the value, quality and timestamp in
// meta.
func (r *Router) tagSeed(topic string, payload []byte) (flow.Message, bool) {
	var tv models.TagValue
	if err := r.codec.Decode(payload, &tv); err != nil {
		r.logger.Debug("router: undecodable tag value", "topic", topic, "error", err.Error())
		return flow.Message{}, false
	}
	return flow.Message{
		Topic:   tv.TagPath,
		Payload: tv.Value,
		Meta: map[string]any{
			"quality":   tv.Quality,
			"dataType":  tv.DataType,
			"timestamp": tv.Timestamp,
		},
	}, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Config readers
// ─────────────────────────────────────────────────────────────────────────────

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// cfgQoS reads an mqtt-in node's qos, clamped to the valid range.
func cfgQoS(cfg map[string]any) byte {
	if v, ok := cfg["qos"]; ok {
		if f, ok := models.ToFloat(v); ok && f >= 0 && f <= 2 {
			return byte(f)
		}
	}
	return 0
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
