package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusPublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagengine_status_publishes_total",
		Help: "engine/status messages published.",
	})

	writeCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_write_commands_total",
		Help: "Bus write commands handled, by outcome.",
	}, []string{"outcome"})
)
