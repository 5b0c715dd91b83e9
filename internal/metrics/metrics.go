// Package metrics provides Prometheus metrics for Courier.
// It tracks publishing, consumption, outbox traffic and retry runs
// so that message loss and delivery delays are visible.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "courier"
)

// Broker metrics track the health probe.
var (
	// BrokerHealthChecksTotal counts health probe results.
	BrokerHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_health_checks_total",
			Help:      "Total number of broker health probes",
		},
		[]string{"result"}, // result: available, unavailable
	)

	// BrokerHealthCheckLatency measures how long a health probe takes.
	BrokerHealthCheckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_health_check_latency_seconds",
			Help:      "Time to probe broker availability in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

// Publisher metrics track the send path.
var (
	// MessagesPublishedTotal counts publish attempts by outcome.
	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of broker publish attempts",
		},
		[]string{"topic", "type", "result"}, // result: success, failure
	)

	// PublishLatency measures time to publish a message to the broker.
	PublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Time to publish a message to the broker in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

// Consumer metrics track message processing.
var (
	// MessagesConsumedTotal counts consumed messages by outcome.
	MessagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed",
		},
		[]string{"topic", "type", "result"}, // result: dispatched, outboxed
	)

	// HandlerFailuresTotal counts business handler failures.
	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Total number of business handler failures",
		},
		[]string{"type", "reason"}, // reason: error, panic, decode
	)

	// ProcessingLatency measures time to process a single message.
	ProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_latency_seconds",
			Help:      "Time to process a single message in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// NotificationsDispatchedTotal counts calls into the notification handlers.
	NotificationsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dispatched_total",
			Help:      "Total number of notifications handed to delivery handlers",
		},
		[]string{"channel"}, // channel: in_app, email, sms
	)
)

// Outbox metrics track the fallback store.
var (
	// OutboxWritesTotal counts envelopes written to the outbox.
	OutboxWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_writes_total",
			Help:      "Total number of envelopes written to the outbox",
		},
		[]string{"source", "type", "status"},
	)

	// OutboxWriteFailuresTotal counts outbox writes that failed. Each one is a lost message.
	OutboxWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_write_failures_total",
			Help:      "Total number of failed outbox writes (lost messages)",
		},
		[]string{"source", "type"},
	)

	// OutboxDepth tracks the number of envelopes in the outbox.
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Current number of envelopes in the outbox",
		},
	)
)

// Retry metrics track the scheduler.
var (
	// RetryRunsTotal counts scheduler cycles.
	RetryRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_runs_total",
			Help:      "Total number of retry scheduler runs",
		},
		[]string{"result"}, // result: completed, skipped, failed
	)

	// RetryEnvelopesTotal counts envelopes handled by the scheduler.
	RetryEnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_envelopes_total",
			Help:      "Total number of outbox envelopes handled by the retry scheduler",
		},
		[]string{"type", "result"}, // result: delivered, failed, dead_lettered, conflict
	)

	// RetryRunDuration measures one scheduler cycle.
	RetryRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_run_duration_seconds",
			Help:      "Duration of one retry scheduler run in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Storage metrics track database and cache operations.
var (
	// StorageOperationLatency measures latency of storage operations.
	StorageOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_latency_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"store", "operation"}, // store: postgres, redis
	)

	// StorageOperationsTotal counts storage operations.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"store", "operation", "status"}, // status: success, failure
	)
)
