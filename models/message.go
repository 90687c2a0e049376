package models

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Flow message envelope
// ─────────────────────────────────────────────────────────────────────────────

// MessageEnvelope is the unit of work passed between flow nodes. Payload is
// an opaque structured value (decoded JSON: map, slice, number, string, bool
// or nil); nodes interpret it.
type MessageEnvelope struct {
	Payload       any               `json:"payload"`
	CreatedUTC    time.Time         `json:"createdUtc"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Meta returns the metadata value for key, or "" when absent.
func (m *MessageEnvelope) Meta(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithMeta returns the envelope with key=value set, allocating the metadata
// map on first use.
func (m *MessageEnvelope) WithMeta(key, value string) *MessageEnvelope {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 1)
	}
	m.Metadata[key] = value
	return m
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine and connection status
// ─────────────────────────────────────────────────────────────────────────────

// EngineStatusMessage is published retained on engine/status every 5 s while
// the engine runs, and once with IsRunning=false on shutdown.
type EngineStatusMessage struct {
	IsRunning         bool      `json:"isRunning"`
	ActiveConnections int       `json:"activeConnections"`
	ActiveTags        int       `json:"activeTags"`
	TotalPolls        uint64    `json:"totalPolls"`
	AveragePollTimeMs float64   `json:"averagePollTimeMs"`
	StartTime         time.Time `json:"startTime"`
	Timestamp         time.Time `json:"timestamp"`

	// Health summarizes component liveness for UI display.
	Health *HealthStatus `json:"health,omitempty"`
}

// HealthStatus is the component-level liveness snapshot embedded in the
// engine status payload.
type HealthStatus struct {
	IsHealthy         bool    `json:"isHealthy"`
	BusConnected      bool    `json:"busConnected"`
	PollEngineRunning bool    `json:"pollEngineRunning"`
	ConfigLoaded      bool    `json:"configLoaded"`
	CompiledFlows     int     `json:"compiledFlows"`
	LoadedMachines    int     `json:"loadedMachines"`
	UptimeSec         float64 `json:"uptimeSec"`
}

// ConnectionState is the lifecycle state published per connection.
type ConnectionState string

// Connection lifecycle states.
const (
	ConnConnected    ConnectionState = "Connected"
	ConnDisconnected ConnectionState = "Disconnected"
	ConnError        ConnectionState = "Error"
	ConnDisabled     ConnectionState = "Disabled"
)

// ConnectionStatusMessage is published retained on status/<connectionId>
// whenever a connection changes lifecycle state.
type ConnectionStatusMessage struct {
	ConnectionID string          `json:"connectionId"`
	Name         string          `json:"name,omitempty"`
	State        ConnectionState `json:"state"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Tag value payloads
// ─────────────────────────────────────────────────────────────────────────────

// BulkTagValueMessage carries one poll cycle's worth of samples for a
// connection, published on tags/<connectionId>/bulk (not retained).
type BulkTagValueMessage struct {
	ConnectionID string     `json:"connectionId"`
	Timestamp    time.Time  `json:"timestamp"`
	Tags         []TagValue `json:"tags"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Flow runtime payloads
// ─────────────────────────────────────────────────────────────────────────────

// Run outcomes carried in FlowRunSummaryMessage.Outcome.
const (
	RunOutcomeSuccess   = "Success"
	RunOutcomeFailed    = "Failed"
	RunOutcomeTimedOut  = "TimedOut"
	RunOutcomeLimited   = "Limited"
	RunOutcomeCancelled = "Cancelled"
)

// DeployStatusMessage reports the compile outcome of one flow, published on
// flows/<flowId>/deploy-status after every (re)deploy attempt.
type DeployStatusMessage struct {
	FlowID     string    `json:"flowId"`
	FlowName   string    `json:"flowName,omitempty"`
	IsCompiled bool      `json:"isCompiled"`
	NodeCount  int       `json:"nodeCount,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FlowRunSummaryMessage is published on flows/<flowId>/run-summary when a run
// completes, times out, hits its message cap, or fails.
type FlowRunSummaryMessage struct {
	RunID           string    `json:"runId"`
	FlowID          string    `json:"flowId"`
	FlowName        string    `json:"flowName"`
	TriggerNodeID   string    `json:"triggerNodeId"`
	TriggerTopic    string    `json:"triggerTopic,omitempty"`
	Outcome         string    `json:"outcome"`
	NodesExecuted   int       `json:"nodesExecuted"`
	MessagesHandled int       `json:"messagesHandled"`
	DurationMs      float64   `json:"durationMs"`
	ErrorDetail     string    `json:"errorDetail,omitempty"`
	StartedUTC      time.Time `json:"startedUtc"`
	CompletedUTC    time.Time `json:"completedUtc"`
}

// NodeTraceMessage is one per-node execution record, published on
// flows/<flowId>/execution after every node invocation.
type NodeTraceMessage struct {
	RunID           string    `json:"runId"`
	FlowID          string    `json:"flowId"`
	NodeID          string    `json:"nodeId"`
	NodeType        string    `json:"nodeType"`
	Status          string    `json:"status"` // "ok" or "error"
	DurationMs      float64   `json:"durationMs"`
	MessagesEmitted int       `json:"messagesEmitted"`
	Error           string    `json:"error,omitempty"`
	EndUTC          time.Time `json:"endUtc"`
}

// ─────────────────────────────────────────────────────────────────────────────
// State machine payloads
// ─────────────────────────────────────────────────────────────────────────────

// MachineSnapshotMessage is published retained on statemachines/<machineId>/state
// after every transition attempt, successful or not.
type MachineSnapshotMessage struct {
	MachineID       string    `json:"machineId"`
	MachineName     string    `json:"machineName"`
	NowStateID      string    `json:"nowStateId"`
	NowStateName    string    `json:"nowStateName"`
	BeforeStateID   string    `json:"beforeStateId,omitempty"`
	BeforeStateName string    `json:"beforeStateName,omitempty"`
	WasSuccessful   bool      `json:"wasSuccessful"`
	TriggerLabel    string    `json:"triggerLabel,omitempty"`
	AuditCount      int       `json:"auditCount"`
	ChangedUTC      time.Time `json:"changedUtc"`
}

// AuditEntry records one completed transition in a machine's bounded audit
// trail.
type AuditEntry struct {
	SrcID        string    `json:"srcId"`
	SrcName      string    `json:"srcName"`
	DstID        string    `json:"dstId"`
	DstName      string    `json:"dstName"`
	TriggerLabel string    `json:"triggerLabel"`
	UTC          time.Time `json:"utc"`
}

// ─────────────────────────────────────────────────────────────────────────────
// History request/response
// ─────────────────────────────────────────────────────────────────────────────

// HistoryRequestMessage asks the history responder for a range of samples.
// Published on history/request; the answer arrives on
// history/<connectionId>/<tagId>.
type HistoryRequestMessage struct {
	ConnectionID string     `json:"connectionId"`
	TagID        string     `json:"tagId"`
	StartUTC     *time.Time `json:"startUtc,omitempty"`
	EndUTC       *time.Time `json:"endUtc,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// HistoryResponseMessage answers one request on history/<connectionId>/<tagId>.
type HistoryResponseMessage struct {
	ConnectionID string         `json:"connectionId"`
	TagID        string         `json:"tagId"`
	Points       []HistoryPoint `json:"points"`
	Error        string         `json:"error,omitempty"`
}

// HistoryPoint is one stored sample in a history response, newest first.
type HistoryPoint struct {
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────────────────────────────────────

// WriteCommandMessage requests a tag write, published on
// commands/write/<connectionId>/<tagId>.
type WriteCommandMessage struct {
	Value any `json:"value"`
}

// ReloadCommandMessage is the control payload accepted on config/reload.
// Kind selects which document to reload: "connections", "flows",
// "state-machines", or "all" (also the default for an empty payload).
type ReloadCommandMessage struct {
	Kind string `json:"kind,omitempty"`
}
