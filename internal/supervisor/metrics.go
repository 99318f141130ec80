package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetrigger_pipeline_runs_total",
			Help: "Pipeline runs by terminal status or error kind.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipetrigger_pipeline_run_duration_seconds",
			Help:    "Time from submission to terminal status of a pipeline run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
}
