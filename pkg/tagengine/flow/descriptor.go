package flow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Descriptor
// ─────────────────────────────────────────────────────────────────────────────

// Port names shared across the built-in palette.
const (
	PortIn      = "in"
	PortOut     = "out"
	PortA       = "a"
	PortB       = "b"
	PortTrue    = "true"
	PortFalse   = "false"
	PortDefault = "default"
)

// Port names one input or output of a node type.
type Port struct {
	Name string

	// Required refuses compilation when no wire targets this input port.
	// Meaningless on outputs.
	Required bool
}

// Descriptor is the static shape of a node type: its canonical tag, its
// ports, and whether it can start a run. Descriptors are plain values; the
// runtime behaviour lives in the Factory.
type Descriptor struct {
	// Type is the canonical tag, lowercase kebab-case ("math-add").
	Type string

	Inputs  []Port
	Outputs []Port

	// IsTrigger marks entry points: nodes a run may be seeded from.
	IsTrigger bool

	// DynamicOutputs allows wires from output ports not listed above.
	// Only the switch node uses it; its ports are named by config.
	DynamicOutputs bool
}

// InputPort returns the named input port.
func (d Descriptor) InputPort(name string) (Port, bool) {
	for _, p := range d.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// OutputPort returns the named output port.
func (d Descriptor) OutputPort(name string) (Port, bool) {
	for _, p := range d.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Node runtime
// ─────────────────────────────────────────────────────────────────────────────

// Node is one runtime instance of a node type inside one compiled flow.
// Invoke processes a single message and emits results through run.Emit.
// Instances live as long as the compiled flow and must be safe for use by
// concurrent runs; stateful nodes (aggregate, smooth, …) guard their state.
type Node interface {
	Invoke(ctx context.Context, run *Context, msg Message) error
}

// Factory builds one runtime instance for a node definition. Factories
// validate config here so a bad flow fails at deploy, not mid-run.
type Factory func(def models.NodeDefinition, deps Services) (Node, error)

// ─────────────────────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────────────────────

// typeTagPattern is the shape every canonical tag must have. There is
// exactly one tag per node type: alias registration is rejected, so config
// documents and trace messages always agree on spelling.
var typeTagPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

type registryEntry struct {
	desc    Descriptor
	factory Factory
}

// Registry maps canonical type tags to descriptors and factories. Populate
// it once at startup (RegisterBuiltins) and treat it as read-only afterwards;
// Lookup is safe for concurrent use either way.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds one node type under its canonical tag. Tags that are not
// lowercase kebab-case, duplicate tags, and nil factories are rejected —
// there is no alias mechanism.
func (r *Registry) Register(d Descriptor, f Factory) error {
	if !typeTagPattern.MatchString(d.Type) {
		return fmt.Errorf("flow: invalid node type tag %q (canonical tags are lowercase kebab-case)", d.Type)
	}
	if f == nil {
		return fmt.Errorf("flow: node type %q has no factory", d.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[d.Type]; dup {
		return fmt.Errorf("flow: node type %q already registered", d.Type)
	}
	r.entries[d.Type] = registryEntry{desc: d, factory: f}
	return nil
}

// Lookup resolves a canonical tag. No normalization is applied: "math.add"
// or "MathAdd" do not resolve to "math-add".
func (r *Registry) Lookup(typeTag string) (Descriptor, Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeTag]
	return e.desc, e.factory, ok
}

// Types returns all registered tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
