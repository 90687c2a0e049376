package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_flow_runs_total",
		Help: "Flow runs by outcome.",
	}, []string{"outcome"})

	nodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_flow_node_errors_total",
		Help: "Node invocation failures by node type.",
	}, []string{"node_type"})

	compilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_flow_compiles_total",
		Help: "Flow compilations by result.",
	}, []string{"result"})

	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_flow_triggers_total",
		Help: "Flow runs started, by trigger kind.",
	}, []string{"kind"})
)
