package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagengine_router_subscriptions",
		Help: "Active trigger subscriptions on the bus.",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagengine_router_messages_total",
		Help: "Trigger messages dispatched to flows, by trigger kind.",
	}, []string{"kind"})
)
