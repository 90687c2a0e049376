package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	jsonformat "github.com/vpbank/tag_engine/format/json"
	"github.com/vpbank/tag_engine/models"
)

// Shared fixtures for the flow package tests: a recording bus, a capture
// node type for observing what reaches the end of a graph, and small
// builders for definitions.

type busRecord struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type mockBus struct {
	mu      sync.Mutex
	records []busRecord
}

func (b *mockBus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, busRecord{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
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

func (b *mockBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// captureSink records every message delivered to a capture node.
type captureSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *captureSink) add(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *captureSink) payloads() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Payload
	}
	return out
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *captureSink) message(i int) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[i]
}

type captureNode struct {
	sink *captureSink
}

func (n captureNode) Invoke(_ context.Context, _ *Context, msg Message) error {
	n.sink.add(msg)
	return nil
}

// splitterNode emits each configured payload on "out", in order. It drives
// the depth-first traversal tests; no built-in emits more than once per
// invocation.
type splitterNode struct {
	payloads []any
}

func (n splitterNode) Invoke(_ context.Context, run *Context, msg Message) error {
	for _, p := range n.payloads {
		run.Emit(PortOut, msg.WithPayload(p))
	}
	return nil
}

// testRegistry returns the built-in palette plus the test-only capture and
// splitter types.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	err := reg.Register(
		Descriptor{Type: "capture", Inputs: []Port{{Name: PortIn}}},
		func(def models.NodeDefinition, _ Services) (Node, error) {
			sink, _ := def.Config["sink"].(*captureSink)
			if sink == nil {
				return nil, nodeErr(def, "sink is required")
			}
			return captureNode{sink: sink}, nil
		},
	)
	if err != nil {
		t.Fatalf("register capture: %v", err)
	}
	err = reg.Register(
		Descriptor{Type: "splitter", Outputs: []Port{{Name: PortOut}}, IsTrigger: true},
		func(def models.NodeDefinition, _ Services) (Node, error) {
			raw, _ := def.Config["payloads"].([]any)
			return splitterNode{payloads: raw}, nil
		},
	)
	if err != nil {
		t.Fatalf("register splitter: %v", err)
	}
	return reg
}

// testServices builds a minimal service set around a mock clock and bus.
func testServices(clk clock.Clock, bus Publisher) Services {
	return Services{
		Bus:   bus,
		Codec: jsonformat.New(jsonformat.Config{}, nil),
		Clock: clk,
	}
}

func nodeDef(id, typ string, cfg map[string]any) models.NodeDefinition {
	return models.NodeDefinition{ID: id, Type: typ, Config: cfg}
}

func wire(src, srcPort, dst, dstPort string) models.WireDefinition {
	return models.WireDefinition{
		ID:         src + "-" + dst,
		SourceNode: src,
		SourcePort: srcPort,
		TargetNode: dst,
		TargetPort: dstPort,
	}
}

func flowDef(id string, nodes []models.NodeDefinition, wires []models.WireDefinition) models.FlowDefinition {
	return models.FlowDefinition{ID: id, Name: id, Enabled: true, Nodes: nodes, Wires: wires}
}

// waitUntil polls cond until it holds or the deadline lapses.
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
