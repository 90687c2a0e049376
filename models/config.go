// Package models holds the data structures every layer of the Tag Engine
// shares: the configuration documents, polled tag values, and bus message
// payloads in their canonical in-memory form. It sits at the bottom of the
// dependency graph and imports no other engine package.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Data types and waveforms
// ─────────────────────────────────────────────────────────────────────────────

// DataType is the declared value type of a tag.
type DataType string

// Canonical data type tags. JSON parsing is permissive (case-insensitive,
// a few historic aliases); serialization always emits the canonical form.
const (
	TypeBool   DataType = "bool"
	TypeInt16  DataType = "i16"
	TypeInt32  DataType = "i32"
	TypeInt64  DataType = "i64"
	TypeFloat  DataType = "f32"
	TypeDouble DataType = "f64"
	TypeString DataType = "string"
)

// ParseDataType resolves a raw string to a canonical DataType. Unknown values
// return an error so config problems surface at load time rather than at the
// first poll.
func ParseDataType(raw string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bool", "boolean":
		return TypeBool, nil
	case "i16", "int16", "short":
		return TypeInt16, nil
	case "i32", "int32", "int":
		return TypeInt32, nil
	case "i64", "int64", "long":
		return TypeInt64, nil
	case "f32", "float", "float32", "real":
		return TypeFloat, nil
	case "f64", "float64", "double":
		return TypeDouble, nil
	case "string", "str", "text":
		return TypeString, nil
	default:
		return "", fmt.Errorf("unknown data type %q", raw)
	}
}

// IsNumeric reports whether values of this type participate in scale/offset
// and numeric trigger comparison.
func (d DataType) IsNumeric() bool {
	switch d {
	case TypeInt16, TypeInt32, TypeInt64, TypeFloat, TypeDouble:
		return true
	default:
		return false
	}
}

// Waveform selects the simulator value generator for a tag.
type Waveform string

// Supported simulator waveforms.
const (
	WaveSine     Waveform = "sine"
	WaveRamp     Waveform = "ramp"
	WaveTriangle Waveform = "triangle"
	WaveRandom   Waveform = "random"
	WaveBoolean  Waveform = "boolean"
)

// ParseWaveform resolves a raw string to a canonical Waveform, defaulting to
// sine for empty input (the most common simulator configuration).
func ParseWaveform(raw string) (Waveform, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sine", "sin":
		return WaveSine, nil
	case "ramp", "sawtooth":
		return WaveRamp, nil
	case "triangle", "tri":
		return WaveTriangle, nil
	case "random", "noise":
		return WaveRandom, nil
	case "boolean", "bool", "square":
		return WaveBoolean, nil
	default:
		return "", fmt.Errorf("unknown waveform %q", raw)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Connections and tags
// ─────────────────────────────────────────────────────────────────────────────

// ConnectionConfig describes one device connection and the tags polled from
// it. Connection IDs are unique across the store; tag IDs are unique within a
// connection.
type ConnectionConfig struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	DriverType string      `json:"driverType"` // "simulator", "snmp", "modbus-tcp", ...
	Enabled    bool        `json:"enabled"`
	Tags       []TagConfig `json:"tags"`

	// Params carries driver-specific connection settings (e.g. "target",
	// "port", "community" for snmp). The simulator needs none.
	Params map[string]string `json:"params,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Param returns the named driver parameter, or def when absent or empty.
func (c *ConnectionConfig) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// TagByID returns the tag with the given ID, or nil when absent.
func (c *ConnectionConfig) TagByID(id string) *TagConfig {
	for i := range c.Tags {
		if c.Tags[i].ID == id {
			return &c.Tags[i]
		}
	}
	return nil
}

// Validate checks the connection-local invariants: non-empty identity and
// tag IDs unique within the connection.
func (c *ConnectionConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection %q: empty id", c.Name)
	}
	seen := make(map[string]struct{}, len(c.Tags))
	for _, t := range c.Tags {
		if t.ID == "" {
			return fmt.Errorf("connection %s: tag %q: empty id", c.ID, t.Name)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("connection %s: duplicate tag id %q", c.ID, t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.PollRateMs < 1 {
			return fmt.Errorf("connection %s: tag %s: poll rate %d ms (must be >= 1)", c.ID, t.ID, t.PollRateMs)
		}
	}
	return nil
}

// TagConfig describes one polled signal on a connection. PollRateMs drives
// poll-group bucketing: two tags with the same rate share a timer.
type TagConfig struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     string   `json:"address"` // driver-specific, e.g. an OID for snmp
	DataType    DataType `json:"dataType"`
	PollRateMs  int      `json:"pollRateMs"`
	Unit        string   `json:"unit,omitempty"`
	Description string   `json:"description,omitempty"`

	// Scale and Offset apply to numeric types: stored = raw*Scale + Offset.
	// nil means identity.
	Scale  *float64 `json:"scale,omitempty"`
	Offset *float64 `json:"offset,omitempty"`

	// LogHistory routes each polled value into the history store.
	LogHistory bool `json:"logHistory"`

	// Simulation carries simulator-driver parameters. Ignored by other drivers.
	Simulation *SimulationParams `json:"simulation,omitempty"`
}

// ApplyScaling returns raw*Scale + Offset for numeric tags; other values pass
// through unchanged.
func (t *TagConfig) ApplyScaling(raw float64) float64 {
	v := raw
	if t.Scale != nil {
		v *= *t.Scale
	}
	if t.Offset != nil {
		v += *t.Offset
	}
	return v
}

// SimulationParams configures the deterministic value generator of the
// simulator driver.
type SimulationParams struct {
	Waveform  Waveform `json:"waveform"`
	Base      float64  `json:"base"`
	Amplitude float64  `json:"amplitude"`
	PeriodSec float64  `json:"periodSec"`
	Noise     float64  `json:"noise"` // peak noise amplitude, 0 = none
}

// ─────────────────────────────────────────────────────────────────────────────
// Flows
// ─────────────────────────────────────────────────────────────────────────────

// FlowDefinition is the persisted form of a flow: a directed graph of typed
// nodes connected by wires. The compiler turns it into a runtime form.
type FlowDefinition struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Enabled bool             `json:"enabled"`
	Nodes   []NodeDefinition `json:"nodes"`
	Wires   []WireDefinition `json:"wires"`
}

// NodeByID returns the node with the given ID, or nil when absent.
func (f *FlowDefinition) NodeByID(id string) *NodeDefinition {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// NodeDefinition is one node instance within a flow. Config is a free-form
// document interpreted by the node implementation.
type NodeDefinition struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"` // canonical type tag, e.g. "math"
	Name     string         `json:"name,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Position *NodePosition  `json:"position,omitempty"`
}

// NodePosition is editor geometry, preserved verbatim across save/load.
type NodePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WireDefinition connects an output port of one node to an input port of
// another. Self-loops are invalid.
type WireDefinition struct {
	ID         string `json:"id"`
	SourceNode string `json:"sourceNode"`
	SourcePort string `json:"sourcePort"`
	TargetNode string `json:"targetNode"`
	TargetPort string `json:"targetPort"`
}

// ─────────────────────────────────────────────────────────────────────────────
// State machines
// ─────────────────────────────────────────────────────────────────────────────

// StateMachineConfig is the persisted form of one finite automaton.
// Exactly one initial state is required, selected by InitialStateID or a
// single IsInitial flag; otherwise the first state in config order is used.
type StateMachineConfig struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	InitialStateID string       `json:"initialStateId,omitempty"`
	States         []State      `json:"states"`
	Transitions    []Transition `json:"transitions"`
}

// StateByID returns the state with the given ID, or nil when absent.
func (m *StateMachineConfig) StateByID(id string) *State {
	for i := range m.States {
		if m.States[i].ID == id {
			return &m.States[i]
		}
	}
	return nil
}

// Validate checks referential integrity: transition endpoints must name
// existing states, and at most one state may carry IsInitial.
func (m *StateMachineConfig) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("state machine %q: empty id", m.Name)
	}
	ids := make(map[string]struct{}, len(m.States))
	initials := 0
	for _, s := range m.States {
		if s.ID == "" {
			return fmt.Errorf("machine %s: state %q: empty id", m.ID, s.Name)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("machine %s: duplicate state id %q", m.ID, s.ID)
		}
		ids[s.ID] = struct{}{}
		if s.IsInitial {
			initials++
		}
	}
	if initials > 1 {
		return fmt.Errorf("machine %s: %d states marked initial (at most one)", m.ID, initials)
	}
	if m.InitialStateID != "" {
		if _, ok := ids[m.InitialStateID]; !ok {
			return fmt.Errorf("machine %s: initial state %q not found", m.ID, m.InitialStateID)
		}
	}
	for i, t := range m.Transitions {
		if _, ok := ids[t.FromStateID]; !ok {
			return fmt.Errorf("machine %s: transition %d: from-state %q not found", m.ID, i, t.FromStateID)
		}
		if _, ok := ids[t.ToStateID]; !ok {
			return fmt.Errorf("machine %s: transition %d: to-state %q not found", m.ID, i, t.ToStateID)
		}
	}
	return nil
}

// InitialState resolves the starting state: InitialStateID, else the first
// state marked IsInitial, else the first state in config order. Returns nil
// for a machine with no states.
func (m *StateMachineConfig) InitialState() *State {
	if m.InitialStateID != "" {
		if s := m.StateByID(m.InitialStateID); s != nil {
			return s
		}
	}
	for i := range m.States {
		if m.States[i].IsInitial {
			return &m.States[i]
		}
	}
	if len(m.States) > 0 {
		return &m.States[0]
	}
	return nil
}

// State is one node of the automaton with ordered entry/exit action lists.
type State struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsInitial bool   `json:"isInitial,omitempty"`

	OnEnterTags   []TagAction `json:"onEnterTags,omitempty"`
	OnEnterScript string      `json:"onEnterScript,omitempty"`
	OnEnterFlows  []string    `json:"onEnterFlows,omitempty"`

	OnExitTags   []TagAction `json:"onExitTags,omitempty"`
	OnExitScript string      `json:"onExitScript,omitempty"`
	OnExitFlows  []string    `json:"onExitFlows,omitempty"`
}

// Transition moves the machine between two states. Condition evaluation
// priority: ScriptCondition first, then TagTrigger; Event-named transitions
// are only considered by FireEvent. Condition is the legacy boolean-context
// key used by FireEvent.
type Transition struct {
	FromStateID string `json:"fromStateId"`
	ToStateID   string `json:"toStateId"`
	Event       string `json:"event,omitempty"`
	Priority    int    `json:"priority"`

	TagTrigger      *TagTrigger `json:"tagTrigger,omitempty"`
	ScriptCondition string      `json:"scriptCondition,omitempty"`
	Condition       string      `json:"condition,omitempty"`

	ScriptAction string      `json:"scriptAction,omitempty"`
	TagActions   []TagAction `json:"tagActions,omitempty"`
	TriggerFlows []string    `json:"triggerFlows,omitempty"`
}

// TagTrigger is a structured tag-value condition. Value is kept as a string
// and coerced at evaluation time (see CompareTagTrigger).
type TagTrigger struct {
	TagPath  string `json:"tagPath"`  // "ConnectionName/TagName"
	Operator string `json:"operator"` // == != > >= < <=
	Value    string `json:"value"`
}

// TagAction writes a literal value to a tag. The value string is parsed to
// the most specific of bool, int64, float64, string (see ParseActionValue).
type TagAction struct {
	TagPath string `json:"tagPath"`
	Value   string `json:"value"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Users (stored alongside core documents; consumed by the external UI layer)
// ─────────────────────────────────────────────────────────────────────────────

// UserConfig is persisted in users.json. The engine loads and saves it
// untouched; authentication happens in the web layer.
type UserConfig struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Document wrappers — top-level shape { "<pluralName>": [ ... ] }
// ─────────────────────────────────────────────────────────────────────────────

// ConnectionsDocument is the on-disk shape of connections.json.
type ConnectionsDocument struct {
	Connections []ConnectionConfig `json:"connections"`
}

// FlowsDocument is the on-disk shape of flows.json.
type FlowsDocument struct {
	Flows []FlowDefinition `json:"flows"`
}

// StateMachinesDocument is the on-disk shape of state-machines.json.
type StateMachinesDocument struct {
	StateMachines []StateMachineConfig `json:"stateMachines"`
}

// UsersDocument is the on-disk shape of users.json.
type UsersDocument struct {
	Users []UserConfig `json:"users"`
}

// InternalTagsDocument is the on-disk shape of internal-tags.json. Only
// global-scope context entries are persisted.
type InternalTagsDocument struct {
	InternalTags []InternalTagEntry `json:"internalTags"`
}

// InternalTagEntry is one persisted global context value.
type InternalTagEntry struct {
	Path      string    `json:"path"`
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}
