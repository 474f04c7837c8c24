// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Engine Metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_sync_runs_total",
			Help: "Total number of sync runs",
		},
		[]string{"result"}, // "completed", "offline", "canceled"
	)

	SyncOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_sync_ops_total",
			Help: "Total number of queued operation attempts by outcome",
		},
		[]string{"type", "result"}, // result: "synced", "retry", "failed", "conflict"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribesync_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribesync_sync_last_success_timestamp",
			Help: "Unix timestamp of the last sync run that attempted work",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scribesync_queue_depth",
			Help: "Queued operations by status",
		},
		[]string{"status"},
	)

	UploadChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_upload_chunks_total",
			Help: "Audio upload chunks by outcome",
		},
		[]string{"result"},
	)

	// Conflict and Storage Metrics
	ConflictsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribesync_conflicts_open",
			Help: "Number of unresolved conflicts",
		},
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_conflicts_resolved_total",
			Help: "Conflicts resolved by policy",
		},
		[]string{"policy"},
	)

	StoreEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_store_evictions_total",
			Help: "Synced encounters evicted under storage pressure",
		},
		[]string{"reason"}, // "count_limit", "size_limit"
	)

	StoreEncounters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribesync_store_encounters",
			Help: "Number of encounters held locally",
		},
	)

	// Realtime Stream Metrics
	StreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribesync_stream_state",
			Help: "Realtime stream state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=error)",
		},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_stream_messages_total",
			Help: "Realtime stream messages",
		},
		[]string{"direction", "type"},
	)

	StreamQueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_stream_queue_dropped_total",
			Help: "Queued outbound messages dropped before delivery",
		},
		[]string{"reason"}, // "overflow", "stale"
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribesync_stream_reconnects_total",
			Help: "Realtime stream reconnect attempts",
		},
	)

	NetworkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribesync_network_online",
			Help: "1 when the device is online, 0 otherwise",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scribesync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Capture Metrics
	CaptureSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribesync_capture_sessions_total",
			Help: "Finished capture sessions by outcome",
		},
		[]string{"result"}, // "streamed", "recorded", "canceled"
	)

	CaptureRecordedSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribesync_capture_recorded_seconds_total",
			Help: "Seconds of audio written to local recordings",
		},
	)

	// Control API Metrics
	ControlRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribesync_control_request_duration_seconds",
			Help:    "Local control API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribesync_api_request_duration_seconds",
			Help:    "Remote sync API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)
)

// RecordSyncRun records a finished sync run.
func RecordSyncRun(result string, duration time.Duration, attempted int) {
	SyncRuns.WithLabelValues(result).Inc()
	SyncDuration.Observe(duration.Seconds())
	if attempted > 0 {
		SyncLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordOpResult records the outcome of one operation attempt.
func RecordOpResult(opType, result string) {
	SyncOps.WithLabelValues(opType, result).Inc()
}

// RecordQueueDepth replaces the queue depth gauges.
func RecordQueueDepth(byStatus map[string]int) {
	for _, status := range []string{"pending", "syncing", "error", "failed"} {
		QueueDepth.WithLabelValues(status).Set(float64(byStatus[status]))
	}
}

// RecordConflictResolved records one resolution.
func RecordConflictResolved(policy string) {
	ConflictsResolved.WithLabelValues(policy).Inc()
}

// RecordEviction records an encounter evicted for reason.
func RecordEviction(reason string) {
	StoreEvictions.WithLabelValues(reason).Inc()
}

// RecordStreamMessage records one realtime message.
func RecordStreamMessage(direction, msgType string) {
	StreamMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordStreamDrop records a queued outbound message dropped for reason.
func RecordStreamDrop(reason string) {
	StreamQueueDropped.WithLabelValues(reason).Inc()
}

// RecordNetworkOnline updates the online gauge.
func RecordNetworkOnline(online bool) {
	if online {
		NetworkOnline.Set(1)
		return
	}
	NetworkOnline.Set(0)
}

// RecordCaptureSession records a finished capture session.
func RecordCaptureSession(result string, recorded time.Duration) {
	CaptureSessions.WithLabelValues(result).Inc()
	if recorded > 0 {
		CaptureRecordedSeconds.Add(recorded.Seconds())
	}
}

// RecordControlRequest records one control API request. route is the
// router pattern, not the raw path.
func RecordControlRequest(method, route string, statusCode int, duration time.Duration) {
	ControlRequestDuration.WithLabelValues(method, route, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordAPIRequest records a remote API call.
func RecordAPIRequest(endpoint string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	APIRequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}
