package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "realtime",
		Name:      "sessions",
		Help:      "Number of registered websocket sessions.",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Inbound realtime events by type.",
	}, []string{"type"})

	metricPushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "realtime",
		Name:      "pushes_dropped_total",
		Help:      "Outbound push envelopes dropped due to backpressure or closing sessions.",
	})
)
