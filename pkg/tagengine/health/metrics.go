package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var healthyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tagengine_healthy",
	Help: "1 when every component probe reports healthy.",
})
