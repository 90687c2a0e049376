package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tagengine_history_writes_total",
	Help: "counter of samples committed to the history database",
})

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tagengine_history_dropped_total",
	Help: "counter of samples lost to queue overflow or failed flushes",
})

var flushErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tagengine_history_flush_errors_total",
	Help: "counter of failed flush transactions",
})

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_history_queries_total",
	Help: "counter of history queries by kind",
}, []string{"kind"})

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_history_requests_total",
	Help: "counter of bus history requests by result",
}, []string{"result"})
