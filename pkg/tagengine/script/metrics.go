package script

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_script_runs_total",
	Help: "counter of script executions by outcome",
}, []string{"outcome"})
