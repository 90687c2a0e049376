package statemachine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_machine_transitions_total",
		Help: "State machine transitions fired, by trigger kind.",
	}, []string{"kind"})

	actionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_machine_action_failures_total",
		Help: "Transition action failures by action kind.",
	}, []string{"action"})

	machinesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagengine_machines_loaded",
		Help: "State machines currently loaded.",
	})
)
