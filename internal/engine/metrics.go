package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetrigger_invocations_total",
			Help: "Invocations by profile and final status.",
		},
		[]string{"profile", "status"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipetrigger_invocation_duration_seconds",
			Help:    "End-to-end invocation duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"profile"},
	)
)

func init() {
	prometheus.MustRegister(invocationsTotal)
	prometheus.MustRegister(invocationDuration)
}
