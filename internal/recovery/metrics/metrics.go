package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued tracks jobs created by the abandonment scanner.
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_recovery_jobs_enqueued_total",
			Help: "Total number of recovery jobs enqueued",
		},
	)

	// CallsPlaced tracks calls accepted by the provider.
	CallsPlaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_recovery_calls_placed_total",
			Help: "Total number of outbound calls accepted by the provider",
		},
	)

	// DispatchDenied tracks guardrail denials by reason.
	DispatchDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_recovery_dispatch_denied_total",
			Help: "Total number of dispatch attempts denied by guardrails",
		},
		[]string{"reason"},
	)

	// JobsCompleted tracks jobs reaching a terminal state, by state.
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_recovery_jobs_terminal_total",
			Help: "Total number of recovery jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	// CallbacksReceived tracks webhook callbacks by result.
	CallbacksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_recovery_callbacks_total",
			Help: "Total number of provider callbacks received",
		},
		[]string{"result"},
	)

	// Backlog is the current queued + failed_retryable depth.
	Backlog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_recovery_backlog",
			Help: "Current count of queued and retryable recovery jobs",
		},
	)

	// FailureRatio is the failure ratio over the rolling window.
	FailureRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_recovery_failure_ratio",
			Help: "Failed-or-dead over total terminal outcomes in the rolling window",
		},
	)

	// SpendToday is today's estimated call spend in USD.
	SpendToday = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_recovery_spend_today_usd",
			Help: "Estimated call spend so far today",
		},
	)

	// CycleDuration tracks scan/dispatch cycle latency.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voice_recovery_cycle_duration_seconds",
			Help:    "Duration of one scan/dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DBConnectionPoolUsage tracks connection pool saturation.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_recovery_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
