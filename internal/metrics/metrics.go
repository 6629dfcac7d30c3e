// Package metrics exposes the Prometheus gauges/counters/histograms
// the control loops (C2 schedule scan, C5 sandbox pool, C6 scalebox
// execute pipeline) update as they run, grounded on
// control_plane/observability/metrics.go's promauto registration style
// — renamed from the teacher's flux_* task-scheduling series onto this
// system's schedule/sandbox/execute vocabulary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending jobs per named queue (schedule
	// execution, scalebox execute/pause/kill).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trigger_core_queue_depth",
		Help: "Current number of jobs waiting in a queue",
	}, []string{"queue"})

	// ScanTickDuration tracks the C2 scan-tick loop duration.
	ScanTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trigger_core_scan_tick_duration_seconds",
		Help:    "Duration of one schedule-engine scan tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulesTriggered counts schedule firings by outcome.
	SchedulesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_core_schedules_triggered_total",
		Help: "Total number of schedule trigger attempts",
	}, []string{"outcome"}) // enqueued, enqueue_failed, disabled_invalid_cron, quota_exceeded

	// SandboxPoolSize tracks the sandbox pool occupancy by state.
	SandboxPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trigger_core_sandbox_pool_size",
		Help: "Current number of sandboxes by lifecycle state",
	}, []string{"state"}) // idle, total, paused

	// SandboxAcquireDuration tracks how long Pool.Acquire takes,
	// covering both the reuse and the cold-create path.
	SandboxAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trigger_core_sandbox_acquire_duration_seconds",
		Help:    "Duration of acquiring a sandbox from the pool",
		Buckets: prometheus.DefBuckets,
	})

	// LockWaitSeconds tracks how long a caller spent polling for the
	// execute/sandbox lock before acquiring it (§4.6).
	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trigger_core_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a distributed lock",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"lock"}) // execute, sandbox

	// ExecuteDuration tracks the full scalebox executeCode pipeline
	// (outer lock -> pool acquire -> inner lock -> run -> release).
	ExecuteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trigger_core_execute_duration_seconds",
		Help:    "Duration of one code-step execution through the scalebox pipeline",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"status"}) // success, failed, system_error

	// CircuitBreakerState mirrors the scalebox execute breaker's state
	// (0=closed, 1=half_open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trigger_core_circuit_breaker_state",
		Help: "Circuit breaker state by name (0=closed, 1=half_open, 2=open)",
	}, []string{"breaker"})

	// RateLimited counts ingress rejections by surface and limit kind.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_core_rate_limited_total",
		Help: "Inbound trigger requests rejected by the rate limiter",
	}, []string{"surface", "window"}) // surface: openapi|webhook, window: rpm|daily

	// DebounceRejected counts fingerprint-duplicate rejections.
	DebounceRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_core_debounce_rejected_total",
		Help: "Inbound trigger requests rejected as duplicate fingerprints",
	}, []string{"surface"})

	// WSConnectedClients tracks live status-push WebSocket connections.
	WSConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trigger_core_ws_connected_clients",
		Help: "Current number of connected execution-status WebSocket clients",
	})
)
