package flow

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/vpbank/tag_engine/models"
)

// Trigger nodes are run entry points: the Manager (timer scheduler, link
// hub), the trigger router (bus and tag-change subscriptions), and FlowRunner
// callers seed runs at them. Their runtime is uniform — forward the seed
// message to "out" — so all trigger behaviour lives outside the graph and
// the graph itself stays testable with plain Execute calls.

// forwardNode passes the incoming message straight to "out".
type forwardNode struct{}

func (forwardNode) Invoke(_ context.Context, run *Context, msg Message) error {
	run.Emit(PortOut, msg)
	return nil
}

func newManualTrigger(models.NodeDefinition, Services) (Node, error) {
	return forwardNode{}, nil
}

// newTimerTrigger validates the schedule at compile time; firing is the
// Manager's scheduler. Config: {"intervalMs": N} or {"cron": "*/5 * * * *"}
// (standard 5-field spec). Cron wins when both are present.
func newTimerTrigger(def models.NodeDefinition, _ Services) (Node, error) {
	spec := cfgString(def.Config, "cron", "")
	intervalMs := cfgInt(def.Config, "intervalMs", 0)
	switch {
	case spec != "":
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, nodeErr(def, "invalid cron spec %q: %v", spec, err)
		}
	case intervalMs > 0:
		// ok
	default:
		return nil, nodeErr(def, "either cron or intervalMs is required")
	}
	return forwardNode{}, nil
}

// newTagChangeTrigger validates the watched tag path; subscribing is the
// trigger router's job. Config: {"tagPath": "Connection/Tag"}.
func newTagChangeTrigger(def models.NodeDefinition, _ Services) (Node, error) {
	path := cfgString(def.Config, "tagPath", "")
	if path == "" {
		return nil, nodeErr(def, "tagPath is required")
	}
	if _, _, ok := models.SplitTagPath(path); !ok {
		return nil, nodeErr(def, "invalid tagPath %q (want Connection/Tag)", path)
	}
	return forwardNode{}, nil
}

// newBusIn validates the subscription filter; the trigger router owns the
// actual subscription. Config: {"topic": "plant/+/alarms", "qos": 0}.
func newBusIn(def models.NodeDefinition, _ Services) (Node, error) {
	if cfgString(def.Config, "topic", "") == "" {
		return nil, nodeErr(def, "topic is required")
	}
	return forwardNode{}, nil
}

// newLinkIn is a named cross-flow entry point. The Manager registers it under
// its link name; link-out nodes anywhere fan messages into it.
// Config: {"linkName": "alarms"}.
func newLinkIn(def models.NodeDefinition, _ Services) (Node, error) {
	if cfgString(def.Config, "linkName", "") == "" {
		return nil, nodeErr(def, "linkName is required")
	}
	return forwardNode{}, nil
}

// Subflows ride the link hub: a flow used as a subflow receives on the
// implicit link "subflow:<flowId>:input" (its subflow-input node) and
// answers on "subflow:<flowId>:output" (its subflow-output node). The
// calling flow pairs a link-out to the input name with a link-in on the
// output name.

// SubflowInputLink and SubflowOutputLink name the implicit links of a flow
// used as a subflow.
func SubflowInputLink(flowID string) string  { return "subflow:" + flowID + ":input" }
func SubflowOutputLink(flowID string) string { return "subflow:" + flowID + ":output" }

func newSubflowInput(models.NodeDefinition, Services) (Node, error) {
	return forwardNode{}, nil
}

type subflowOutputNode struct {
	links LinkSender
}

func newSubflowOutput(def models.NodeDefinition, deps Services) (Node, error) {
	if deps.Links == nil {
		return nil, nodeErr(def, "link hub unavailable")
	}
	return &subflowOutputNode{links: deps.Links}, nil
}

func (n *subflowOutputNode) Invoke(_ context.Context, run *Context, msg Message) error {
	n.links.Send(SubflowOutputLink(run.FlowID), msg)
	return nil
}

// newLinkOut fans the message out to every link-in registered under the
// configured name, across all compiled flows. Config: {"linkName": "alarms"}.
func newLinkOut(def models.NodeDefinition, deps Services) (Node, error) {
	name := cfgString(def.Config, "linkName", "")
	if name == "" {
		return nil, nodeErr(def, "linkName is required")
	}
	if deps.Links == nil {
		return nil, nodeErr(def, "link hub unavailable")
	}
	return &linkOutNode{links: deps.Links, name: name}, nil
}

type linkOutNode struct {
	links LinkSender
	name  string
}

// Invoke sends through the hub; target flows run independently, so failures
// surface in their own run summaries, not here.
func (n *linkOutNode) Invoke(_ context.Context, _ *Context, msg Message) error {
	n.links.Send(n.name, msg)
	return nil
}
