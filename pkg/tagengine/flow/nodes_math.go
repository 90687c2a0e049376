package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/script"
)

// ─────────────────────────────────────────────────────────────────────────────
// Arithmetic
// ─────────────────────────────────────────────────────────────────────────────

// toNumber coerces a payload to float64. Single-field JSON envelopes unwrap
// to their scalar — {"v": 5} reads as 5 and an explicit "value" field wins —
// so bus payloads feed numeric nodes without a template in between.
func toNumber(v any) (float64, bool) {
	if f, ok := models.ToFloat(v); ok {
		return f, true
	}
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return models.ToFloat(inner)
		}
		if len(m) == 1 {
			for _, inner := range m {
				return models.ToFloat(inner)
			}
		}
	}
	return 0, false
}

// mathNode applies one binary operation to the numeric payload.
// Config: {"operand": 5} for add/sub/mul/div; math-scale uses
// {"factor": 1, "offset": 0} and computes v*factor+offset.
type mathNode struct {
	op      string
	operand float64
	factor  float64
	offset  float64
}

func newMath(op string) Factory {
	return func(def models.NodeDefinition, _ Services) (Node, error) {
		n := &mathNode{op: op}
		switch op {
		case "scale":
			n.factor = cfgFloat(def.Config, "factor", 1)
			n.offset = cfgFloat(def.Config, "offset", 0)
		case "div":
			n.operand = cfgFloat(def.Config, "operand", 0)
			if n.operand == 0 {
				return nil, nodeErr(def, "operand must be a non-zero number")
			}
		default:
			if _, ok := def.Config["operand"]; !ok {
				return nil, nodeErr(def, "operand is required")
			}
			if _, ok := models.ToFloat(def.Config["operand"]); !ok {
				return nil, nodeErr(def, "operand is not numeric")
			}
			n.operand = cfgFloat(def.Config, "operand", 0)
		}
		return n, nil
	}
}

func (n *mathNode) Invoke(_ context.Context, run *Context, msg Message) error {
	v, ok := toNumber(msg.Payload)
	if !ok {
		return fmt.Errorf("payload %v (%T) is not numeric", msg.Payload, msg.Payload)
	}
	var out float64
	switch n.op {
	case "add":
		out = v + n.operand
	case "sub":
		out = v - n.operand
	case "mul":
		out = v * n.operand
	case "div":
		out = v / n.operand
	case "scale":
		out = v*n.factor + n.offset
	}
	run.Emit(PortOut, msg.WithPayload(out))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Compare, branch, filter
// ─────────────────────────────────────────────────────────────────────────────

// compareValues applies one relational operator. Both sides are compared
// numerically when they coerce to float64; eq/neq fall back to string
// equality, ordering operators on non-numeric values fail.
func compareValues(operator string, v, want any) (bool, error) {
	vf, vOK := toNumber(v)
	wf, wOK := toNumber(want)
	if vOK && wOK {
		switch operator {
		case "eq":
			return vf == wf, nil
		case "neq":
			return vf != wf, nil
		case "gt":
			return vf > wf, nil
		case "gte":
			return vf >= wf, nil
		case "lt":
			return vf < wf, nil
		case "lte":
			return vf <= wf, nil
		}
		return false, fmt.Errorf("unknown operator %q", operator)
	}
	switch operator {
	case "eq":
		return fmt.Sprint(v) == fmt.Sprint(want), nil
	case "neq":
		return fmt.Sprint(v) != fmt.Sprint(want), nil
	case "gt", "gte", "lt", "lte":
		return false, fmt.Errorf("operator %q needs numeric values, got %T and %T", operator, v, want)
	}
	return false, fmt.Errorf("unknown operator %q", operator)
}

var compareOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true,
}

// compareNode emits the boolean result of payload OP value.
// Config: {"operator": "gt", "value": 80}.
type compareNode struct {
	operator string
	want     any
}

func newCompare(def models.NodeDefinition, _ Services) (Node, error) {
	op := cfgString(def.Config, "operator", "")
	if !compareOperators[op] {
		return nil, nodeErr(def, "operator must be one of eq, neq, gt, gte, lt, lte")
	}
	want, ok := def.Config["value"]
	if !ok {
		return nil, nodeErr(def, "value is required")
	}
	return &compareNode{operator: op, want: want}, nil
}

func (n *compareNode) Invoke(_ context.Context, run *Context, msg Message) error {
	pass, err := compareValues(n.operator, msg.Payload, n.want)
	if err != nil {
		return err
	}
	run.Emit(PortOut, msg.WithPayload(pass))
	return nil
}

// branchNode routes the unchanged message to "true" or "false" by payload
// truthiness.
type branchNode struct{}

func newBranch(models.NodeDefinition, Services) (Node, error) {
	return branchNode{}, nil
}

func (branchNode) Invoke(_ context.Context, run *Context, msg Message) error {
	if script.Truthy(msg.Payload) {
		run.Emit(PortTrue, msg)
	} else {
		run.Emit(PortFalse, msg)
	}
	return nil
}

// resolveProperty picks the message field a predicate inspects: "payload"
// (or empty), "topic", or "meta.<key>".
func resolveProperty(msg Message, property string) any {
	switch {
	case property == "" || property == "payload":
		return msg.Payload
	case property == "topic":
		return msg.Topic
	case strings.HasPrefix(property, "meta."):
		return msg.MetaValue(strings.TrimPrefix(property, "meta."))
	default:
		return nil
	}
}

// filterNode forwards the message only when its predicate passes.
// Config: {"operator": "gte", "value": 10, "property": "payload"}.
type filterNode struct {
	operator string
	want     any
	property string
}

func newFilter(def models.NodeDefinition, _ Services) (Node, error) {
	op := cfgString(def.Config, "operator", "")
	if !compareOperators[op] {
		return nil, nodeErr(def, "operator must be one of eq, neq, gt, gte, lt, lte")
	}
	want, ok := def.Config["value"]
	if !ok {
		return nil, nodeErr(def, "value is required")
	}
	return &filterNode{
		operator: op,
		want:     want,
		property: cfgString(def.Config, "property", "payload"),
	}, nil
}

func (n *filterNode) Invoke(_ context.Context, run *Context, msg Message) error {
	pass, err := compareValues(n.operator, resolveProperty(msg, n.property), n.want)
	if err != nil {
		return err
	}
	if pass {
		run.Emit(PortOut, msg)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Boolean gates
// ─────────────────────────────────────────────────────────────────────────────

// gateNode combines the last-seen truthiness of its two inputs. Inputs hold
// level semantics: each side remembers its most recent value, and every
// arrival recomputes and emits once both sides have been seen.
type gateNode struct {
	op string

	mu sync.Mutex
	a  *bool
	b  *bool
}

func newGate(op string) Factory {
	return func(models.NodeDefinition, Services) (Node, error) {
		return &gateNode{op: op}, nil
	}
}

func (n *gateNode) Invoke(_ context.Context, run *Context, msg Message) error {
	v := script.Truthy(msg.Payload)

	n.mu.Lock()
	switch run.InPort {
	case PortA:
		n.a = &v
	case PortB:
		n.b = &v
	default:
		n.mu.Unlock()
		return fmt.Errorf("message arrived on unknown port %q", run.InPort)
	}
	ready := n.a != nil && n.b != nil
	var out bool
	if ready {
		switch n.op {
		case "and":
			out = *n.a && *n.b
		case "or":
			out = *n.a || *n.b
		case "xor":
			out = *n.a != *n.b
		}
	}
	n.mu.Unlock()

	if ready {
		run.Emit(PortOut, msg.WithPayload(out))
	}
	return nil
}

// notNode inverts payload truthiness.
type notNode struct{}

func newGateNot(models.NodeDefinition, Services) (Node, error) {
	return notNode{}, nil
}

func (notNode) Invoke(_ context.Context, run *Context, msg Message) error {
	run.Emit(PortOut, msg.WithPayload(!script.Truthy(msg.Payload)))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Switch and constant
// ─────────────────────────────────────────────────────────────────────────────

// switchNode routes by a message property. Cases map the property's string
// form to an output port; unmatched values leave on the default port.
// Config: {"property": "topic", "cases": {"alarm": "urgent"}, "defaultPort": "default"}.
//
// Switch is the one dynamic-output node: its usable ports are whatever its
// cases name, so the descriptor cannot enumerate them.
type switchNode struct {
	property    string
	cases       map[string]string
	defaultPort string
}

func newSwitch(def models.NodeDefinition, _ Services) (Node, error) {
	rawCases := cfgMap(def.Config, "cases")
	if len(rawCases) == 0 {
		return nil, nodeErr(def, "cases is required")
	}
	cases := make(map[string]string, len(rawCases))
	for k, v := range rawCases {
		port, ok := v.(string)
		if !ok || port == "" {
			return nil, nodeErr(def, "case %q must name an output port", k)
		}
		cases[k] = port
	}
	return &switchNode{
		property:    cfgString(def.Config, "property", "payload"),
		cases:       cases,
		defaultPort: cfgString(def.Config, "defaultPort", PortDefault),
	}, nil
}

func (n *switchNode) Invoke(_ context.Context, run *Context, msg Message) error {
	key := fmt.Sprint(resolveProperty(msg, n.property))
	port, ok := n.cases[key]
	if !ok {
		port = n.defaultPort
	}
	run.Emit(port, msg)
	return nil
}

// constantNode replaces the payload with a configured value.
// Config: {"value": 42}.
type constantNode struct {
	value any
}

func newConstant(def models.NodeDefinition, _ Services) (Node, error) {
	v, ok := def.Config["value"]
	if !ok {
		return nil, nodeErr(def, "value is required")
	}
	return &constantNode{value: v}, nil
}

func (n *constantNode) Invoke(_ context.Context, run *Context, msg Message) error {
	run.Emit(PortOut, msg.WithPayload(n.value))
	return nil
}
