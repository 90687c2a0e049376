// Package statemachine runs the finite automata configured in
// state-machines.json. Each machine holds one current state; a periodic scan
// evaluates the outgoing transitions of that state (scripted conditions
// first, then structured tag triggers) and fires the first one that passes,
// ordered by ascending priority. Named events enter through FireEvent and
// bypass the scan.
//
// A fired transition runs in five phases: source on-exit actions, transition
// actions, the atomic state change (with an audit entry), destination
// on-enter actions, and a retained snapshot publish on
// statemachines/<id>/state. Action failures are logged and never revert the
// state change.
//
// Transitions within one machine are serialized by a per-machine lock;
// different machines proceed independently. Current state is not persisted:
// a restart or reload puts every machine back in its initial state.
package statemachine

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/ctxstore"
	"github.com/vpbank/tag_engine/pkg/tagengine/script"
)

const (
	// DefaultScanInterval paces the transition condition scan across all
	// loaded machines.
	DefaultScanInterval = 500 * time.Millisecond

	// DefaultConditionTimeout bounds one scripted condition evaluation.
	DefaultConditionTimeout = 5 * time.Second

	// auditCap bounds the per-machine audit trail; older entries fall off.
	auditCap = 80
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator contracts
// ─────────────────────────────────────────────────────────────────────────────

// TagReader resolves tag-trigger paths against current values. The poll
// engine's value cache implements it.
type TagReader interface {
	Get(path string) (models.TagValue, bool)
}

// TagWriter routes tag actions by "Connection/Tag" path. The poll engine
// implements it.
type TagWriter interface {
	WriteTagByPath(ctx context.Context, path string, value any) error
}

// FlowRunner starts flows named by transition and state actions. The flow
// manager implements it.
type FlowRunner interface {
	TriggerFlow(id, sourceLabel string) error
}

// Publisher publishes bus messages. The mqtt client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Codec encodes snapshot payloads for the bus.
type Codec interface {
	Encode(payload any) ([]byte, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Services
// ─────────────────────────────────────────────────────────────────────────────

// Services bundles the collaborators the executor acts through. Every field
// may be nil; a machine whose config needs a missing collaborator logs the
// gap at action time instead of panicking.
type Services struct {
	Tags    TagReader
	Writer  TagWriter
	Bus     Publisher
	Codec   Codec
	Flows   FlowRunner
	Script  script.Host
	Context *ctxstore.Store

	// Clock drives the scan ticker and audit timestamps. nil defaults to
	// the wall clock.
	Clock clock.Clock
}

func (s Services) withDefaults() Services {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	return s
}

// scriptGlobals builds the surface machine scripts see. Machine state binds
// to the global scope so scratch values survive config reloads.
func (s Services) scriptGlobals() script.Globals {
	g := script.Globals{Tags: s.Tags, Writer: s.Writer}
	if s.Context != nil {
		g.State = s.Context.Scoped("", "")
	}
	return g
}
