package flow

import (
	"fmt"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Compiled form
// ─────────────────────────────────────────────────────────────────────────────

// WireTarget is one downstream endpoint of an output port.
type WireTarget struct {
	NodeID string
	Port   string
}

type compiledNode struct {
	def     models.NodeDefinition
	desc    Descriptor
	runtime Node
}

// CompiledFlow is the runnable form of one flow definition: resolved node
// runtimes plus the adjacency map. It is immutable after Compile; runs share
// it freely.
type CompiledFlow struct {
	Def models.FlowDefinition

	nodes map[string]*compiledNode

	// out maps nodeID → output port → wire targets, in wire order.
	out map[string]map[string][]WireTarget

	// order holds enabled node ids in definition order; topo holds a
	// topological order used for deterministic deploy logging (execution
	// order is the run stack's, not this).
	order    []string
	topo     []string
	triggers []string
}

// NodeCount returns the number of enabled, compiled nodes.
func (cf *CompiledFlow) NodeCount() int { return len(cf.nodes) }

// Triggers returns the ids of trigger nodes in definition order.
func (cf *CompiledFlow) Triggers() []string { return cf.triggers }

// TopologicalOrder returns the node ids sorted so every wire points forward.
// Ties break by definition order, so the result is stable across compiles.
func (cf *CompiledFlow) TopologicalOrder() []string { return cf.topo }

// HasNode reports whether the compiled flow contains the node.
func (cf *CompiledFlow) HasNode(id string) bool {
	_, ok := cf.nodes[id]
	return ok
}

// NodesOfType returns the definitions of enabled nodes with the given type
// tag, in definition order. The scheduler and trigger router scan with it.
func (cf *CompiledFlow) NodesOfType(typeTag string) []models.NodeDefinition {
	var out []models.NodeDefinition
	for _, id := range cf.order {
		if n := cf.nodes[id]; n.def.Type == typeTag {
			out = append(out, n.def)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Compile
// ─────────────────────────────────────────────────────────────────────────────

// Compile turns a flow definition into a runnable graph:
//
//  1. resolve every enabled node's type tag against the registry,
//  2. build the adjacency map from wires,
//  3. validate wire endpoint ports against the descriptors,
//  4. reject cycles,
//  5. instantiate one runtime per node via its factory,
//  6. collect trigger nodes.
//
// Disabled nodes are dropped along with any wire touching them. Any failure
// rejects the whole flow; there are no partially compiled flows.
func Compile(def models.FlowDefinition, reg *Registry, deps Services) (*CompiledFlow, error) {
	deps = deps.withDefaults()
	deps.flowID = def.ID

	cf := &CompiledFlow{
		Def:   def,
		nodes: make(map[string]*compiledNode, len(def.Nodes)),
		out:   make(map[string]map[string][]WireTarget),
	}
	factories := make(map[string]Factory, len(def.Nodes))

	for _, nd := range def.Nodes {
		if nd.Disabled {
			continue
		}
		if _, dup := cf.nodes[nd.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate node id %q", def.ID, nd.ID)
		}
		desc, factory, ok := reg.Lookup(nd.Type)
		if !ok {
			return nil, fmt.Errorf("flow %s: node %s: unknown node type %q", def.ID, nd.ID, nd.Type)
		}
		cf.nodes[nd.ID] = &compiledNode{def: nd, desc: desc}
		cf.order = append(cf.order, nd.ID)
		factories[nd.ID] = factory
	}

	wired := make(map[string]map[string]bool) // nodeID → input port → has wire
	for _, w := range def.Wires {
		if w.SourceNode == w.TargetNode {
			return nil, fmt.Errorf("flow %s: wire %s: self-loop on node %s", def.ID, w.ID, w.SourceNode)
		}
		src, srcOK := cf.nodes[w.SourceNode]
		dst, dstOK := cf.nodes[w.TargetNode]
		if !srcOK || !dstOK {
			// Wires touching a disabled node are dropped with it; wires
			// naming a node the definition never had are config errors.
			if endpointDisabled(def, w.SourceNode) || endpointDisabled(def, w.TargetNode) {
				continue
			}
			missing := w.SourceNode
			if srcOK {
				missing = w.TargetNode
			}
			return nil, fmt.Errorf("flow %s: wire %s: unknown node %q", def.ID, w.ID, missing)
		}

		if _, ok := src.desc.OutputPort(w.SourcePort); !ok && !src.desc.DynamicOutputs {
			return nil, fmt.Errorf("flow %s: wire %s: node %s (%s) has no output port %q",
				def.ID, w.ID, src.def.ID, src.def.Type, w.SourcePort)
		}
		if _, ok := dst.desc.InputPort(w.TargetPort); !ok {
			return nil, fmt.Errorf("flow %s: wire %s: node %s (%s) has no input port %q",
				def.ID, w.ID, dst.def.ID, dst.def.Type, w.TargetPort)
		}

		ports := cf.out[w.SourceNode]
		if ports == nil {
			ports = make(map[string][]WireTarget)
			cf.out[w.SourceNode] = ports
		}
		ports[w.SourcePort] = append(ports[w.SourcePort], WireTarget{NodeID: w.TargetNode, Port: w.TargetPort})

		in := wired[w.TargetNode]
		if in == nil {
			in = make(map[string]bool)
			wired[w.TargetNode] = in
		}
		in[w.TargetPort] = true
	}

	for _, id := range cf.order {
		n := cf.nodes[id]
		for _, p := range n.desc.Inputs {
			if p.Required && !wired[id][p.Name] {
				return nil, fmt.Errorf("flow %s: node %s (%s): required input port %q is unwired",
					def.ID, id, n.def.Type, p.Name)
			}
		}
	}

	if cycle := findCycle(cf); cycle != "" {
		return nil, fmt.Errorf("flow %s: cycle through node %s", def.ID, cycle)
	}
	cf.topo = topoOrder(cf)

	for _, id := range cf.order {
		n := cf.nodes[id]
		runtime, err := factories[id](n.def, deps)
		if err != nil {
			return nil, err
		}
		n.runtime = runtime
		if n.desc.IsTrigger {
			cf.triggers = append(cf.triggers, id)
		}
	}

	return cf, nil
}

// endpointDisabled reports whether the definition names the node and marks
// it disabled.
func endpointDisabled(def models.FlowDefinition, nodeID string) bool {
	n := def.NodeByID(nodeID)
	return n != nil && n.Disabled
}

// topoOrder orders the acyclic graph so every wire points forward, breaking
// ties by definition order. Callers run it after findCycle.
func topoOrder(cf *CompiledFlow) []string {
	indeg := make(map[string]int, len(cf.order))
	for _, ports := range cf.out {
		for _, targets := range ports {
			for _, t := range targets {
				indeg[t.NodeID]++
			}
		}
	}

	emitted := make(map[string]bool, len(cf.order))
	out := make([]string, 0, len(cf.order))
	for len(out) < len(cf.order) {
		progressed := false
		for _, id := range cf.order {
			if emitted[id] || indeg[id] != 0 {
				continue
			}
			emitted[id] = true
			out = append(out, id)
			progressed = true
			for _, targets := range cf.out[id] {
				for _, t := range targets {
					indeg[t.NodeID]--
				}
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

// findCycle runs a three-color depth-first search over the adjacency map and
// returns a node id on the first back edge found, or "" for acyclic graphs.
func findCycle(cf *CompiledFlow) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(cf.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, targets := range cf.out[id] {
			for _, t := range targets {
				switch color[t.NodeID] {
				case gray:
					return t.NodeID
				case white:
					if hit := visit(t.NodeID); hit != "" {
						return hit
					}
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range cf.order {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
