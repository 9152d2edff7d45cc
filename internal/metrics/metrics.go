// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package metrics holds the Prometheus collectors for Threadline.
//
// Collectors are package-level and registered with the default registry via
// promauto; callers use the RecordX helpers rather than touching vectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker
	IntentsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_intents_published_total",
			Help: "Intents published to the broker by routing key",
		},
		[]string{"routing_key"},
	)

	IntentsPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_intents_publish_failed_total",
			Help: "Intent publishes that failed by reason",
		},
		[]string{"reason"}, // "circuit_open", "broker", "wal"
	)

	IntentsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_intents_dead_lettered_total",
			Help: "Intents routed to the dead-letter subject by binding",
		},
		[]string{"binding"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_publisher_circuit_state",
			Help: "Publisher circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Dispatch
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadline_dispatch_duration_seconds",
			Help:    "Time spent handling one intent",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"routing_key", "outcome"}, // outcome: "ok", "rejected", "failed", "skipped"
	)

	DispatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_dispatch_in_flight",
			Help: "Intents currently held by the dispatcher pool",
		},
	)

	EventsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_events_persisted_total",
			Help: "Domain events appended by kind",
		},
		[]string{"kind"},
	)

	// Delivery
	DeliveriesInitialized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_deliveries_initialized_total",
			Help: "Delivery rows created",
		},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_delivery_attempts_total",
			Help: "Delivery attempts by path and result",
		},
		[]string{"path", "result"}, // path: "live", "retry"; result: "delivered", "pending"
	)

	DeliveriesAcknowledged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_deliveries_acknowledged_total",
			Help: "Acknowledgments processed by result",
		},
		[]string{"result"}, // "stamped", "duplicate", "missing"
	)

	DeliveriesAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_deliveries_abandoned_total",
			Help: "Stale deliveries skipped by the sweep after reaching max attempts",
		},
	)

	// Realtime
	RealtimeEmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_realtime_emits_total",
			Help: "Room emits by emitter and result",
		},
		[]string{"emitter", "result"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_websocket_connections",
			Help: "Open websocket connections on this instance",
		},
	)

	ClientEventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_client_events_rejected_total",
			Help: "Inbound client events rejected by code",
		},
		[]string{"code"},
	)

	// Sweeps
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_sweep_runs_total",
			Help: "Sweep executions by sweep and result",
		},
		[]string{"sweep", "result"},
	)

	SweepRepaired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_sweep_repaired_total",
			Help: "Events or deliveries handed to repair by sweep",
		},
		[]string{"sweep"},
	)

	// Catch-up
	CatchupMessages = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadline_catchup_messages",
			Help:    "Messages pushed by one thread catch-up",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	CatchupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadline_catchup_duration_seconds",
			Help:    "Time to build and emit one thread catch-up",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadline_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	// Authorization
	AuthzDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_authz_decisions_total",
			Help: "Thread authorization decisions by object and result",
		},
		[]string{"object", "result"}, // result: "allowed", "denied", "not_participant"
	)

	// WAL
	WALPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_wal_pending_entries",
			Help: "Intent WAL entries not yet confirmed",
		},
	)

	WALWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_wal_operations_total",
			Help: "Intent WAL operations by type",
		},
		[]string{"op"}, // "write", "confirm", "retry", "expired", "dropped", "compacted"
	)
)

// RecordIntentPublished increments the published counter.
func RecordIntentPublished(routingKey string) {
	IntentsPublished.WithLabelValues(routingKey).Inc()
}

// RecordIntentPublishFailed increments the failure counter.
func RecordIntentPublishFailed(reason string) {
	IntentsPublishFailed.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(binding string) {
	IntentsDeadLettered.WithLabelValues(binding).Inc()
}

// RecordDispatch observes one handled intent.
func RecordDispatch(routingKey, outcome string, d time.Duration) {
	DispatchDuration.WithLabelValues(routingKey, outcome).Observe(d.Seconds())
}

func RecordEventPersisted(kind string) {
	EventsPersisted.WithLabelValues(kind).Inc()
}

func RecordDeliveriesInitialized(n int) {
	DeliveriesInitialized.Add(float64(n))
}

// RecordDeliveryAttempt counts one (re)send per recipient.
func RecordDeliveryAttempt(path string, delivered bool) {
	result := "pending"
	if delivered {
		result = "delivered"
	}
	DeliveryAttempts.WithLabelValues(path, result).Inc()
}

func RecordAcknowledgment(result string) {
	DeliveriesAcknowledged.WithLabelValues(result).Inc()
}

// RecordEmit counts a room emit.
func RecordEmit(emitter string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RealtimeEmits.WithLabelValues(emitter, result).Inc()
}

func RecordClientRejection(code string) {
	ClientEventsRejected.WithLabelValues(code).Inc()
}

// RecordSweep counts a sweep run and the number of items it handed off.
func RecordSweep(sweep string, repaired int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SweepRuns.WithLabelValues(sweep, result).Inc()
	if repaired > 0 {
		SweepRepaired.WithLabelValues(sweep).Add(float64(repaired))
	}
}

// RecordCatchup observes one catch-up.
func RecordCatchup(messages int, d time.Duration) {
	CatchupMessages.Observe(float64(messages))
	CatchupDuration.Observe(d.Seconds())
}

func RecordAuthzDecision(object, result string) {
	AuthzDecisions.WithLabelValues(object, result).Inc()
}

func RecordWALOp(op string) {
	WALWrites.WithLabelValues(op).Inc()
}

// RecordHTTPRequest observes one HTTP request. route is the chi pattern so
// path parameters do not explode cardinality.
func RecordHTTPRequest(route, method string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
