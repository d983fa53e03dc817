package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks transaction attempts by backend and outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txreplay_attempts_total",
			Help: "Total number of transaction attempts",
		},
		[]string{"backend", "outcome"},
	)

	// RunsTotal tracks finished runs by backend and outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txreplay_runs_total",
			Help: "Total number of transaction runs",
		},
		[]string{"backend", "outcome"},
	)

	// OperationRetriesTotal tracks in-place resends of a single operation
	OperationRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txreplay_operation_retries_total",
			Help: "Total number of operations resent on the same transaction",
		},
		[]string{"backend", "op"},
	)

	// AttemptLatency tracks how long one attempt takes, commit included
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txreplay_attempt_duration_seconds",
			Help:    "Transaction attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// RunAttempts tracks how many attempts runs needed
	RunAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txreplay_run_attempts",
			Help:    "Number of attempts per transaction run",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"backend"},
	)

	// BackoffSeconds tracks waits between attempts
	BackoffSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txreplay_backoff_seconds",
			Help:    "Backoff before a replayed attempt in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"backend"},
	)
)
