package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal tracks poll ticks per job
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollwatch_polls_total",
			Help: "Total number of poll ticks executed",
		},
		[]string{"job"},
	)

	// PollErrorsTotal tracks permanent poll failures per job and kind
	PollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollwatch_poll_errors_total",
			Help: "Total number of poll ticks that ended in a permanent failure",
		},
		[]string{"job", "kind"},
	)

	// RetryAttemptsTotal tracks individual fetch attempts per job
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollwatch_retry_attempts_total",
			Help: "Total number of fetch attempts including retries",
		},
		[]string{"job"},
	)

	// CurrentInterval tracks the adaptive poll interval per job
	CurrentInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollwatch_poll_interval_seconds",
			Help: "Current adaptive poll interval",
		},
		[]string{"job"},
	)

	// BreakerOpen is 1 while the circuit breaker for a job is open
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollwatch_breaker_open",
			Help: "Whether the circuit breaker for a job is currently open",
		},
		[]string{"job"},
	)

	// RecoveryEventsTotal tracks recovery strategy applications
	RecoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollwatch_recovery_events_total",
			Help: "Total number of recovery strategy applications",
		},
		[]string{"strategy"},
	)

	// HealthState reports the wrapper health signal (0 healthy, 1 degraded, 2 unhealthy)
	HealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollwatch_health_state",
			Help: "Recovery wrapper health state: 0 healthy, 1 degraded, 2 unhealthy",
		},
		[]string{"wrapper"},
	)

	// FetchLatency tracks fetch latency per job
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pollwatch_fetch_latency_seconds",
			Help:    "Latency of the underlying status fetch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)
