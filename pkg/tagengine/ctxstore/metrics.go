package ctxstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tagengine_context_flushes_total",
	Help: "counter of successful global-scope persists",
})

var flushErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tagengine_context_flush_errors_total",
	Help: "counter of failed global-scope persists",
})
