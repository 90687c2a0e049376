package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
)

// buildNode instantiates one node through its registered factory, outside of
// any compiled flow.
func buildNode(t *testing.T, typ string, cfg map[string]any) Node {
	t.Helper()
	n, err := tryBuildNode(t, typ, cfg)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	return n
}

func tryBuildNode(t *testing.T, typ string, cfg map[string]any) (Node, error) {
	t.Helper()
	_, factory, ok := testRegistry(t).Lookup(typ)
	if !ok {
		t.Fatalf("type %q not registered", typ)
	}
	deps := testServices(clock.NewMock(), &mockBus{}).withDefaults()
	deps.flowID = "f1"
	return factory(nodeDef("n1", typ, cfg), deps)
}

func wantBuildErr(t *testing.T, typ string, cfg map[string]any, wantSub string) {
	t.Helper()
	_, err := tryBuildNode(t, typ, cfg)
	if err == nil {
		t.Fatalf("build %s succeeded, want error containing %q", typ, wantSub)
	}
	if !strings.Contains(err.Error(), wantSub) {
		t.Fatalf("build %s error = %q, want substring %q", typ, err, wantSub)
	}
}

// invokeNode runs one invocation and returns the emissions.
func invokeNode(t *testing.T, n Node, inPort string, msg Message) []Emission {
	t.Helper()
	rc := &Context{RunID: "run", FlowID: "f1", NodeID: "n1", InPort: inPort}
	if err := n.Invoke(context.Background(), rc, msg); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	return rc.Emissions()
}

func singlePayload(t *testing.T, ems []Emission, wantPort string) any {
	t.Helper()
	if len(ems) != 1 {
		t.Fatalf("got %d emissions, want 1: %+v", len(ems), ems)
	}
	if ems[0].Port != wantPort {
		t.Fatalf("emitted on %q, want %q", ems[0].Port, wantPort)
	}
	return ems[0].Msg.Payload
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{5.0, 5, true},
		{int(7), 7, true},
		{"3.5", 3.5, true},
		{true, 1, true},
		{map[string]any{"v": 5.0}, 5, true},
		{map[string]any{"value": 7.0}, 7, true},
		{map[string]any{"value": 7.0, "unit": "°C"}, 7, true},
		{map[string]any{"a": 1.0, "b": 2.0}, 0, false},
		{"bogus", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := toNumber(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("toNumber(%v) = %v/%v, want %v/%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMathNodes(t *testing.T) {
	tests := []struct {
		typ     string
		cfg     map[string]any
		payload any
		want    float64
	}{
		{"math-add", map[string]any{"operand": 10.0}, 5.0, 15},
		{"math-sub", map[string]any{"operand": 3.0}, 5.0, 2},
		{"math-mul", map[string]any{"operand": 4.0}, 2.5, 10},
		{"math-div", map[string]any{"operand": 4.0}, 10.0, 2.5},
		{"math-scale", map[string]any{"factor": 2.0, "offset": 1.0}, 3.0, 7},
		{"math-scale", nil, 3.0, 3}, // identity defaults
		{"math-add", map[string]any{"operand": 10.0}, map[string]any{"v": 5.0}, 15},
	}
	for _, tt := range tests {
		n := buildNode(t, tt.typ, tt.cfg)
		got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: tt.payload}), PortOut)
		if got != tt.want {
			t.Errorf("%s(%v) payload %v = %v, want %v", tt.typ, tt.cfg, tt.payload, got, tt.want)
		}
	}
}

func TestMathConfigErrors(t *testing.T) {
	wantBuildErr(t, "math-add", nil, "operand is required")
	wantBuildErr(t, "math-add", map[string]any{"operand": "high"}, "not numeric")
	wantBuildErr(t, "math-div", map[string]any{"operand": 0.0}, "non-zero")
	wantBuildErr(t, "math-div", nil, "non-zero")
}

func TestMathRejectsNonNumericPayload(t *testing.T) {
	n := buildNode(t, "math-add", map[string]any{"operand": 1.0})
	rc := &Context{}
	err := n.Invoke(context.Background(), rc, Message{Payload: "bogus"})
	if err == nil || !strings.Contains(err.Error(), "not numeric") {
		t.Fatalf("err = %v, want non-numeric payload error", err)
	}
	if len(rc.Emissions()) != 0 {
		t.Error("failed invocation still emitted")
	}
}

func TestCompareNode(t *testing.T) {
	tests := []struct {
		operator string
		value    any
		payload  any
		want     bool
	}{
		{"eq", 5.0, 5.0, true},
		{"eq", 5.0, 6.0, false},
		{"neq", 5.0, 6.0, true},
		{"gt", 80.0, 81.0, true},
		{"gt", 80.0, 80.0, false},
		{"gte", 80.0, 80.0, true},
		{"lt", 10.0, 9.0, true},
		{"lte", 10.0, 10.0, true},
		{"eq", "running", "running", true}, // string fallback
		{"neq", "running", "stopped", true},
		{"eq", 5.0, "5", true}, // numeric strings compare numerically
	}
	for _, tt := range tests {
		n := buildNode(t, "compare", map[string]any{"operator": tt.operator, "value": tt.value})
		got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: tt.payload}), PortOut)
		if got != tt.want {
			t.Errorf("compare %v %s %v = %v, want %v", tt.payload, tt.operator, tt.value, got, tt.want)
		}
	}
}

func TestCompareOrderingNeedsNumbers(t *testing.T) {
	n := buildNode(t, "compare", map[string]any{"operator": "gt", "value": "abc"})
	err := n.Invoke(context.Background(), &Context{}, Message{Payload: "xyz"})
	if err == nil || !strings.Contains(err.Error(), "needs numeric") {
		t.Fatalf("err = %v, want numeric-required error", err)
	}
}

func TestCompareConfigErrors(t *testing.T) {
	wantBuildErr(t, "compare", map[string]any{"operator": "between", "value": 1.0}, "operator must be one of")
	wantBuildErr(t, "compare", map[string]any{"operator": "eq"}, "value is required")
}

func TestBranchNode(t *testing.T) {
	n := buildNode(t, "branch", nil)
	tests := []struct {
		payload any
		port    string
	}{
		{true, PortTrue},
		{false, PortFalse},
		{1.0, PortTrue},
		{0.0, PortFalse},
		{"on", PortTrue},
		{"", PortFalse},
		{nil, PortFalse},
	}
	for _, tt := range tests {
		ems := invokeNode(t, n, PortIn, Message{Payload: tt.payload})
		if len(ems) != 1 || ems[0].Port != tt.port {
			t.Errorf("branch(%v) emitted %+v, want port %s", tt.payload, ems, tt.port)
		}
		if len(ems) == 1 && ems[0].Msg.Payload != tt.payload {
			t.Errorf("branch changed the payload: %v", ems[0].Msg.Payload)
		}
	}
}

func TestFilterNode(t *testing.T) {
	n := buildNode(t, "filter", map[string]any{"operator": "gte", "value": 10.0})
	if ems := invokeNode(t, n, PortIn, Message{Payload: 12.0}); len(ems) != 1 {
		t.Errorf("12 >= 10 should pass, got %+v", ems)
	}
	if ems := invokeNode(t, n, PortIn, Message{Payload: 9.0}); len(ems) != 0 {
		t.Errorf("9 >= 10 should block, got %+v", ems)
	}
}

func TestFilterOnTopicAndMeta(t *testing.T) {
	n := buildNode(t, "filter", map[string]any{"operator": "eq", "value": "plc1/temp", "property": "topic"})
	msg := Message{Topic: "plc1/temp", Payload: 1.0}
	if ems := invokeNode(t, n, PortIn, msg); len(ems) != 1 {
		t.Errorf("topic match should pass, got %+v", ems)
	}

	n = buildNode(t, "filter", map[string]any{"operator": "eq", "value": "Good", "property": "meta.quality"})
	msg = Message{Payload: 1.0, Meta: map[string]any{"quality": "Good"}}
	if ems := invokeNode(t, n, PortIn, msg); len(ems) != 1 {
		t.Errorf("meta match should pass, got %+v", ems)
	}
	if ems := invokeNode(t, n, PortIn, Message{Payload: 1.0}); len(ems) != 0 {
		t.Errorf("missing meta should block, got %+v", ems)
	}
}

func TestGateNodes(t *testing.T) {
	tests := []struct {
		typ  string
		a, b bool
		want bool
	}{
		{"gate-and", true, true, true},
		{"gate-and", true, false, false},
		{"gate-or", false, true, true},
		{"gate-or", false, false, false},
		{"gate-xor", true, false, true},
		{"gate-xor", true, true, false},
	}
	for _, tt := range tests {
		n := buildNode(t, tt.typ, nil)
		if ems := invokeNode(t, n, PortA, Message{Payload: tt.a}); len(ems) != 0 {
			t.Errorf("%s emitted %+v before both inputs were seen", tt.typ, ems)
		}
		got := singlePayload(t, invokeNode(t, n, PortB, Message{Payload: tt.b}), PortOut)
		if got != tt.want {
			t.Errorf("%s(%v, %v) = %v, want %v", tt.typ, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestGateRemembersLastLevel(t *testing.T) {
	n := buildNode(t, "gate-and", nil)
	invokeNode(t, n, PortA, Message{Payload: true})
	if got := singlePayload(t, invokeNode(t, n, PortB, Message{Payload: true}), PortOut); got != true {
		t.Fatalf("and(true, true) = %v", got)
	}
	// a stays latched true; flipping b recomputes.
	if got := singlePayload(t, invokeNode(t, n, PortB, Message{Payload: false}), PortOut); got != false {
		t.Errorf("and(latched true, false) = %v, want false", got)
	}
}

func TestGateRejectsUnknownPort(t *testing.T) {
	n := buildNode(t, "gate-and", nil)
	err := n.Invoke(context.Background(), &Context{InPort: "in"}, Message{Payload: true})
	if err == nil || !strings.Contains(err.Error(), "unknown port") {
		t.Fatalf("err = %v, want unknown-port error", err)
	}
}

func TestGateNot(t *testing.T) {
	n := buildNode(t, "gate-not", nil)
	if got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: true}), PortOut); got != false {
		t.Errorf("not(true) = %v", got)
	}
	if got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: 0.0}), PortOut); got != true {
		t.Errorf("not(0) = %v", got)
	}
}

func TestSwitchNode(t *testing.T) {
	n := buildNode(t, "switch", map[string]any{
		"property": "payload",
		"cases":    map[string]any{"hot": "alarm", "warm": "watch"},
	})

	ems := invokeNode(t, n, PortIn, Message{Payload: "hot"})
	if len(ems) != 1 || ems[0].Port != "alarm" {
		t.Errorf("switch(hot) emitted %+v, want port alarm", ems)
	}
	ems = invokeNode(t, n, PortIn, Message{Payload: "cold"})
	if len(ems) != 1 || ems[0].Port != PortDefault {
		t.Errorf("switch(cold) emitted %+v, want port default", ems)
	}
}

func TestSwitchCustomDefaultPort(t *testing.T) {
	n := buildNode(t, "switch", map[string]any{
		"cases":       map[string]any{"a": "pa"},
		"defaultPort": "rest",
	})
	ems := invokeNode(t, n, PortIn, Message{Payload: "zzz"})
	if len(ems) != 1 || ems[0].Port != "rest" {
		t.Errorf("emitted %+v, want port rest", ems)
	}
}

func TestSwitchConfigErrors(t *testing.T) {
	wantBuildErr(t, "switch", nil, "cases is required")
	wantBuildErr(t, "switch", map[string]any{"cases": map[string]any{"a": 1.0}}, "must name an output port")
}

func TestConstantNode(t *testing.T) {
	n := buildNode(t, "constant", map[string]any{"value": 42.0})
	got := singlePayload(t, invokeNode(t, n, PortIn, Message{Payload: "anything"}), PortOut)
	if got != 42.0 {
		t.Errorf("constant = %v, want 42", got)
	}
	wantBuildErr(t, "constant", nil, "value is required")
}
