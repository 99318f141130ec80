package compute

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeExisting = "existing"
	outcomeCreated  = "created"
	outcomeFailed   = "failed"
)

var (
	provisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetrigger_compute_ensure_total",
			Help: "Compute ensure calls by outcome.",
		},
		[]string{"outcome"},
	)

	provisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipetrigger_compute_provisioning_duration_seconds",
			Help:    "Time spent waiting for a compute target to become ready.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(provisionsTotal)
	prometheus.MustRegister(provisionDuration)
}
