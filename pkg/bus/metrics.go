package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // prometheus collectors are package-level by convention
var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aihive",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Envelopes published, by kind and type.",
	}, []string{"kind", "type"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aihive",
		Subsystem: "bus",
		Name:      "publish_failures_total",
		Help:      "Publishes rejected by the channel, by kind and type.",
	}, []string{"kind", "type"})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aihive",
		Subsystem: "bus",
		Name:      "delivered_total",
		Help:      "Successful handler deliveries, by kind and type.",
	}, []string{"kind", "type"})
)
