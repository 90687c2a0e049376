package mqtt

import "strings"

// ─────────────────────────────────────────────────────────────────────────────
// Topic conventions
// ─────────────────────────────────────────────────────────────────────────────

// Fixed topics.
const (
	// TopicEngineStatus carries the aggregate engine status (retained, QoS 1).
	TopicEngineStatus = "engine/status"

	// TopicConfigReload is the control topic accepted by the engine.
	TopicConfigReload = "config/reload"

	// TopicHistoryRequest receives history range queries.
	TopicHistoryRequest = "history/request"

	// TopicNotifications carries operator notifications from flow
	// notification nodes.
	TopicNotifications = "notifications"
)

// Subscription filters used by engine components.
const (
	// FilterWriteCommands matches commands/write/<connId>/<tagId>.
	FilterWriteCommands = "commands/write/+/+"

	// FilterAllTagValues matches every retained single-tag topic.
	FilterAllTagValues = "tags/+/+"
)

// TopicTagValue is the retained single-tag topic tags/<connId>/<tagId>
// (QoS 0).
func TopicTagValue(connectionID, tagID string) string {
	return "tags/" + connectionID + "/" + tagID
}

// TopicBulkTags is the per-cycle bulk topic tags/<connId>/bulk (QoS 0, not
// retained).
func TopicBulkTags(connectionID string) string {
	return "tags/" + connectionID + "/bulk"
}

// TopicConnectionStatus is status/<connId> (retained, QoS 1).
func TopicConnectionStatus(connectionID string) string {
	return "status/" + connectionID
}

// TopicFlowExecution carries per-node trace events for one flow.
func TopicFlowExecution(flowID string) string {
	return "flows/" + flowID + "/execution"
}

// TopicFlowRunSummary carries end-of-run summaries for one flow.
func TopicFlowRunSummary(flowID string) string {
	return "flows/" + flowID + "/run-summary"
}

// TopicFlowDeployStatus carries the compilation result for one flow.
func TopicFlowDeployStatus(flowID string) string {
	return "flows/" + flowID + "/deploy-status"
}

// TopicMachineState is the retained snapshot topic
// statemachines/<machineId>/state.
func TopicMachineState(machineID string) string {
	return "statemachines/" + machineID + "/state"
}

// TopicHistoryResponse answers one history request for (connId, tagId).
func TopicHistoryResponse(connectionID, tagID string) string {
	return "history/" + connectionID + "/" + tagID
}

// TopicWriteCommand requests a tag write: commands/write/<connId>/<tagId>.
func TopicWriteCommand(connectionID, tagID string) string {
	return "commands/write/" + connectionID + "/" + tagID
}

// ─────────────────────────────────────────────────────────────────────────────
// Wildcard matching
// ─────────────────────────────────────────────────────────────────────────────

// MatchTopic reports whether a concrete topic matches a subscription filter
// under MQTT wildcard semantics: `+` matches exactly one level, `#` matches
// the remaining levels (and must be the last level of the filter). A trailing
// `/#` also matches the parent level itself, per the MQTT specification.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			// Valid only as the final level; also matches the parent
			// level itself ("sport/#" matches "sport").
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// ParseWriteCommandTopic extracts (connId, tagId) from a
// commands/write/<connId>/<tagId> topic. ok is false for any other shape.
func ParseWriteCommandTopic(topic string) (connectionID, tagID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "commands" || parts[1] != "write" {
		return "", "", false
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}

// ParseTagValueTopic extracts (connId, tagId) from a tags/<connId>/<tagId>
// topic. The bulk topic (tags/<connId>/bulk) does not match.
func ParseTagValueTopic(topic string) (connectionID, tagID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "tags" {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" || parts[2] == "bulk" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
