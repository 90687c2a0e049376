package flow

// Emission is one (port, message) pair produced by a node invocation.
type Emission struct {
	Port string
	Msg  Message
}

// Context is the per-invocation surface handed to Node.Invoke. It identifies
// the run and the arrival port, and collects emissions; the executor turns
// each emission into downstream work items after the node returns.
//
// Collaborators (clock, bus, historian, tag reader/writer, scoped context
// store) are bound into the node instance by its factory, so the Context
// stays a plain value the executor can build per invocation.
type Context struct {
	RunID  string
	FlowID string
	NodeID string

	// InPort is the input port the message arrived on. Empty for the seed
	// message of a run. Multi-input nodes (gates) dispatch on it.
	InPort string

	emissions []Emission
}

// Emit queues a message on one of the node's output ports. Emission order is
// preserved: downstream work for the first emission is explored before the
// second.
func (c *Context) Emit(port string, msg Message) {
	c.emissions = append(c.emissions, Emission{Port: port, Msg: msg})
}

// Emissions returns what the node emitted during this invocation.
func (c *Context) Emissions() []Emission {
	return c.emissions
}
