// Package flow compiles flow definitions into runnable graphs and executes
// them one message at a time.
//
// Position in the runtime:
//
//	config (FlowDefinition) → flow.Compile → CompiledFlow → flow.Executor
//
// A flow is a directed acyclic graph of nodes joined by wires. Node types
// live in a Registry keyed by canonical type tag ("math-add", "mqtt-out", …);
// each type contributes a Descriptor (ports, trigger flag) and a Factory that
// builds one runtime instance per compiled flow. Execution is depth-first:
// each run owns a LIFO work stack, so a node's first emission is fully
// explored before its second. Runs are single-threaded internally; separate
// runs proceed in parallel.
//
// The Manager owns the compiled set, re-compiles on config reload, publishes
// deploy status, schedules timer triggers, and routes cross-flow links.
package flow

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/ctxstore"
	"github.com/vpbank/tag_engine/pkg/tagengine/script"
)

// ─────────────────────────────────────────────────────────────────────────────
// Message
// ─────────────────────────────────────────────────────────────────────────────

// Message is the unit of work passed between nodes. Payload is the value
// under transformation; Topic carries the source topic (bus messages, tag
// paths) and Meta carries auxiliary fields such as quality or timestamps.
type Message struct {
	Topic   string
	Payload any
	Meta    map[string]any
}

// WithPayload returns a copy of the message carrying a new payload. Meta is
// shared, not copied; nodes that add meta entries use WithMeta.
func (m Message) WithPayload(v any) Message {
	m.Payload = v
	return m
}

// WithMeta returns a copy of the message with one meta entry added. The meta
// map is copied so sibling branches never observe each other's writes.
func (m Message) WithMeta(key string, value any) Message {
	meta := make(map[string]any, len(m.Meta)+1)
	for k, v := range m.Meta {
		meta[k] = v
	}
	meta[key] = value
	m.Meta = meta
	return m
}

// MetaValue returns a meta entry, or nil when absent.
func (m Message) MetaValue(key string) any {
	if m.Meta == nil {
		return nil
	}
	return m.Meta[key]
}

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator contracts
// ─────────────────────────────────────────────────────────────────────────────

// TagReader reads current tag values by "Connection/Tag" path. The poll
// engine's value cache implements it.
type TagReader interface {
	Get(path string) (models.TagValue, bool)
}

// TagWriter routes tag writes by path. The poll engine implements it.
type TagWriter interface {
	WriteTagByPath(ctx context.Context, path string, value any) error
}

// Publisher publishes bus messages. The mqtt client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Codec encodes and decodes bus payloads.
type Codec interface {
	Encode(payload any) ([]byte, error)
	Decode(data []byte, into any) error
}

// HistoryWriter accepts samples for durable storage. The history store
// implements it; enqueue only, never blocks.
type HistoryWriter interface {
	StoreValue(v models.TagValue)
}

// FileAppender appends one line to a named file. The transport/file sink
// implements it with size-based rotation.
type FileAppender interface {
	Append(path string, line []byte) error
}

// LinkSender fans a message out to every link-in node registered under a
// link name. The Manager implements it across compiled flows.
type LinkSender interface {
	Send(linkName string, msg Message)
}

// ─────────────────────────────────────────────────────────────────────────────
// Services
// ─────────────────────────────────────────────────────────────────────────────

// Services bundles the collaborators node factories close over. Every field
// may be nil; nodes that need a missing collaborator fail at compile time
// with a clear error instead of panicking mid-run.
type Services struct {
	Tags    TagReader
	Writer  TagWriter
	Bus     Publisher
	Codec   Codec
	History HistoryWriter
	Context *ctxstore.Store
	Script  script.Host
	Files   FileAppender
	Links   LinkSender

	// HTTP serves http-request nodes. nil defaults to http.DefaultClient.
	HTTP *http.Client

	// Clock drives delay nodes and trace timestamps. nil defaults to the
	// wall clock.
	Clock clock.Clock

	Logger *slog.Logger

	// flowID is bound by Compile so factories can scope context-store
	// views to the owning flow.
	flowID string
}

func (s Services) withDefaults() Services {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.HTTP == nil {
		s.HTTP = http.DefaultClient
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return s
}

// noopWriter discards log output when no logger is supplied.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
