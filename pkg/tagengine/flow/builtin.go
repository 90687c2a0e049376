package flow

// Built-in palette registration. Every node type ships under exactly one
// canonical tag; there are no aliases, so the tags here are the tags config
// documents use.

func in() []Port          { return []Port{{Name: PortIn}} }
func out() []Port         { return []Port{{Name: PortOut}} }
func gateIns() []Port     { return []Port{{Name: PortA, Required: true}, {Name: PortB, Required: true}} }
func branchOuts() []Port  { return []Port{{Name: PortTrue}, {Name: PortFalse}} }
func requiredIn() []Port  { return []Port{{Name: PortIn, Required: true}} }
func defaultOuts() []Port { return []Port{{Name: PortDefault}} }

// RegisterBuiltins populates a registry with the full built-in palette.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		desc    Descriptor
		factory Factory
	}{
		// Triggers.
		{Descriptor{Type: "manual-trigger", Outputs: out(), IsTrigger: true}, newManualTrigger},
		{Descriptor{Type: "timer-trigger", Outputs: out(), IsTrigger: true}, newTimerTrigger},
		{Descriptor{Type: "tag-change-trigger", Outputs: out(), IsTrigger: true}, newTagChangeTrigger},
		{Descriptor{Type: "mqtt-in", Outputs: out(), IsTrigger: true}, newBusIn},
		{Descriptor{Type: "link-in", Outputs: out(), IsTrigger: true}, newLinkIn},
		{Descriptor{Type: "subflow-input", Outputs: out(), IsTrigger: true}, newSubflowInput},

		// Arithmetic and predicates.
		{Descriptor{Type: "math-add", Inputs: in(), Outputs: out()}, newMath("add")},
		{Descriptor{Type: "math-sub", Inputs: in(), Outputs: out()}, newMath("sub")},
		{Descriptor{Type: "math-mul", Inputs: in(), Outputs: out()}, newMath("mul")},
		{Descriptor{Type: "math-div", Inputs: in(), Outputs: out()}, newMath("div")},
		{Descriptor{Type: "math-scale", Inputs: in(), Outputs: out()}, newMath("scale")},
		{Descriptor{Type: "compare", Inputs: in(), Outputs: out()}, newCompare},
		{Descriptor{Type: "branch", Inputs: in(), Outputs: branchOuts()}, newBranch},
		{Descriptor{Type: "filter", Inputs: in(), Outputs: out()}, newFilter},
		{Descriptor{Type: "switch", Inputs: in(), Outputs: defaultOuts(), DynamicOutputs: true}, newSwitch},
		{Descriptor{Type: "constant", Inputs: in(), Outputs: out()}, newConstant},

		// Boolean gates: level semantics, both operands must be wired.
		{Descriptor{Type: "gate-and", Inputs: gateIns(), Outputs: out()}, newGate("and")},
		{Descriptor{Type: "gate-or", Inputs: gateIns(), Outputs: out()}, newGate("or")},
		{Descriptor{Type: "gate-xor", Inputs: gateIns(), Outputs: out()}, newGate("xor")},
		{Descriptor{Type: "gate-not", Inputs: requiredIn(), Outputs: out()}, newGateNot},

		// Stream shaping.
		{Descriptor{Type: "delay", Inputs: in(), Outputs: out()}, newDelay},
		{Descriptor{Type: "aggregate", Inputs: in(), Outputs: out()}, newAggregate},
		{Descriptor{Type: "smooth", Inputs: in(), Outputs: out()}, newSmooth},
		{Descriptor{Type: "deadband", Inputs: in(), Outputs: out()}, newDeadband},
		{Descriptor{Type: "rate-of-change", Inputs: in(), Outputs: out()}, newRateOfChange},

		// Tag and context access.
		{Descriptor{Type: "tag-input", Inputs: in(), Outputs: out()}, newTagInput},
		{Descriptor{Type: "tag-output", Inputs: in(), Outputs: out()}, newTagOutput},
		{Descriptor{Type: "context-get", Inputs: in(), Outputs: out()}, newContextGet},
		{Descriptor{Type: "context-set", Inputs: in(), Outputs: out()}, newContextSet},

		// I/O and sinks.
		{Descriptor{Type: "mqtt-out", Inputs: in()}, newBusOut},
		{Descriptor{Type: "debug", Inputs: in(), Outputs: out()}, newDebug},
		{Descriptor{Type: "notification", Inputs: in()}, newNotification},
		{Descriptor{Type: "template", Inputs: in(), Outputs: out()}, newTemplate},
		{Descriptor{Type: "http-request", Inputs: in(), Outputs: out()}, newHTTPRequest},
		{Descriptor{Type: "script", Inputs: in(), Outputs: out()}, newScript},
		{Descriptor{Type: "file-write", Inputs: in()}, newFileWrite},
		{Descriptor{Type: "db-write", Inputs: in(), Outputs: out()}, newDBWrite},

		// Cross-flow links and subflow ports.
		{Descriptor{Type: "link-out", Inputs: in()}, newLinkOut},
		{Descriptor{Type: "subflow-output", Inputs: in()}, newSubflowOutput},
	}

	for _, b := range builtins {
		if err := r.Register(b.desc, b.factory); err != nil {
			return err
		}
	}
	return nil
}
