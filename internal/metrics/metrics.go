// Package metrics provides Prometheus metrics for the codespace server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently held by the engine.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codespace_active_sessions",
			Help: "Number of sessions currently loaded in the session engine",
		},
	)

	// SessionsCreated tracks the total number of sessions created.
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codespace_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	// SessionsDeleted tracks deletions by cause (owner, empty).
	SessionsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codespace_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		},
		[]string{"reason"},
	)

	// LiveConnections tracks open realtime connections.
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codespace_live_connections",
			Help: "Number of open realtime connections",
		},
	)

	// InboundMessages counts decoded client frames by type.
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codespace_inbound_messages_total",
			Help: "Total number of inbound realtime messages by type",
		},
		[]string{"type"},
	)

	// Rejections counts inbound requests refused by reason.
	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codespace_rejections_total",
			Help: "Total number of rejected realtime requests by reason",
		},
		[]string{"reason"},
	)

	// BroadcastDrops counts frames that could not be queued to a connection.
	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codespace_broadcast_drops_total",
			Help: "Total number of outbound frames dropped because a connection was full or closed",
		},
	)

	// LocksExpired counts timer-driven lock transitions.
	LocksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codespace_locks_expired_total",
			Help: "Total number of sessions locked by timer expiry",
		},
	)

	// Executions counts code executions by language and status.
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codespace_executions_total",
			Help: "Total number of code executions by language and status",
		},
		[]string{"language", "status"},
	)

	// ExecutionDuration tracks wall-clock execution time.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codespace_execution_duration_seconds",
			Help:    "Duration of code executions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language"},
	)

	// ExecutionQueueDepth tracks jobs waiting for a worker.
	ExecutionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codespace_execution_queue_depth",
			Help: "Number of execution jobs waiting for a worker",
		},
	)
)

// RecordSessionDeleted counts one deletion.
func RecordSessionDeleted(reason string) {
	SessionsDeleted.WithLabelValues(reason).Inc()
}

// RecordExecution records one finished execution.
func RecordExecution(language, status string, d time.Duration) {
	Executions.WithLabelValues(language, status).Inc()
	ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

// RecordRejection counts one refused request.
func RecordRejection(reason string) {
	Rejections.WithLabelValues(reason).Inc()
}
