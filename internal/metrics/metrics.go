// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package metrics holds the Prometheus instrumentation for the pipeline:
// store queries, HTTP traffic, outbox flow, push gateway calls, realtime
// connection health, bridge decisions and maintenance runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Duration of outbox, registry and acknowledgement queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_query_errors_total",
			Help: "Store queries that returned an error",
		},
		[]string{"backend", "operation"},
	)

	OutboxIntents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_intents",
			Help: "Outbox entries by status, sampled by the dispatcher",
		},
		[]string{"status"},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)

	// Outbox flow
	IntentsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_intents_enqueued_total",
			Help: "Intents accepted into the outbox",
		},
		[]string{"channel", "priority"},
	)

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_intent_outcomes_total",
			Help: "Per-intent dispatch results: sent, retry, failed",
		},
		[]string{"outcome"},
	)

	IntentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_intents_failed_total",
			Help: "Intents that reached the terminal failed state, by reason",
		},
		[]string{"reason"},
	)

	DispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_batch_size",
			Help:    "Number of intents claimed per dispatcher run",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	DeviceSyncDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_delivered_total",
			Help: "Intents confirmed through the device pull path",
		},
		[]string{"path"},
	)

	// Push gateway
	PushSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_send_duration_seconds",
			Help:    "Latency of push gateway calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)

	PushSubscriptionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_subscriptions_pruned_total",
			Help: "Subscriptions deactivated after a permanent gateway rejection",
		},
	)

	PushBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_circuit_breaker_state",
			Help: "Push gateway circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Realtime
	RealtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Reconnect attempts by channel and trigger reason",
		},
		[]string{"channel", "reason"},
	)

	RealtimeChannelPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_channel_phase",
			Help: "1 for the current phase of each realtime channel",
		},
		[]string{"channel", "phase"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Connected change feed websocket clients",
		},
	)

	// Bridge and bus
	BridgeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_total",
			Help: "Change events seen by the bridge, by table and result",
		},
		[]string{"table", "result"},
	)

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_published_total",
			Help: "Messages published on the event bus",
		},
		[]string{"topic"},
	)

	// Maintenance
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_runs_total",
			Help: "Maintenance runs by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	MaintenanceAffected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_rows_affected_total",
			Help: "Rows changed by maintenance, by action",
		},
		[]string{"action"},
	)
)

// RecordDBQuery records one store call.
func RecordDBQuery(backend, operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordPushSend records one gateway call by outcome label.
func RecordPushSend(outcome string, duration time.Duration) {
	PushSendDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordIntentFailed counts a terminal failure.
func RecordIntentFailed(reason string) {
	DispatchOutcomes.WithLabelValues("failed").Inc()
	IntentsFailed.WithLabelValues(reason).Inc()
}

// SetChannelPhase marks phase as current for channel and clears the others.
func SetChannelPhase(channel, phase string, phases []string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		RealtimeChannelPhase.WithLabelValues(channel, p).Set(v)
	}
}

// RecordMaintenance counts a maintenance run and the rows it touched.
func RecordMaintenance(trigger string, err error, affected map[string]int64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	MaintenanceRuns.WithLabelValues(trigger, result).Inc()
	for action, n := range affected {
		if n > 0 {
			MaintenanceAffected.WithLabelValues(action).Add(float64(n))
		}
	}
}
