package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_jobs_submitted_total",
			Help: "Total number of jobs handed to a backend.",
		},
		[]string{"kind"},
	)

	jobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal state.",
		},
		[]string{"state"},
	)

	jobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_jobs_inflight",
			Help: "Number of jobs currently owned by the lifecycle manager.",
		},
	)

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_polls_total",
			Help: "Total number of backend poll calls.",
		},
		[]string{"kind"},
	)

	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_poll_duration_seconds",
			Help:    "Backend poll call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmittedTotal)
	prometheus.MustRegister(jobsTerminalTotal)
	prometheus.MustRegister(jobsInflight)
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(pollDuration)
}
