package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_polls_total",
	Help: "counter of successful poll-group reads per connection",
}, []string{"connection"})

var pollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_poll_errors_total",
	Help: "counter of failed poll-group reads per connection",
}, []string{"connection"})

var ticksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_poll_ticks_skipped_total",
	Help: "counter of poll ticks dropped because the previous read was still in flight",
}, []string{"connection"})

var breakerOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_poll_breaker_opens_total",
	Help: "counter of circuit breaker open transitions per connection",
}, []string{"connection"})

var publishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_poll_publish_errors_total",
	Help: "counter of failed tag value publishes per connection",
}, []string{"connection"})

var writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tagengine_tag_writes_total",
	Help: "counter of tag writes routed through a connection's driver",
}, []string{"connection"})
