package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "notifications_total",
		Help:      "Provider notifications by source and outcome.",
	}, []string{"source", "outcome"}) // source: "webhook", "pull"; outcome: "applied", "duplicate", "recorded", "unknown", "late", "rejected", "error"

	gwSignatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "signature_failures_total",
		Help:      "Webhooks rejected for a bad or missing signature.",
	})

	gwCheckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "check_status_seconds",
		Help:      "Latency of provider status checks in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	gwBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "breaker_state",
		Help:      "Status client circuit breaker state (0=closed, 1=open, 2=half-open).",
	})
)

func init() {
	prometheus.MustRegister(
		gwNotifications,
		gwSignatureFailures,
		gwCheckLatency,
		gwBreakerState,
	)
}
