// Package metrics provides Prometheus metrics for connection pooling and remote entries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handle lifecycle events.
const (
	EventCreated   = "created"
	EventReused    = "reused"
	EventClosed    = "closed"
	EventEvicted   = "evicted"
	EventKeepAlive = "keepalive"
	EventFailed    = "connect_failed"
)

var (
	// Pool metrics
	handlesOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remotefs_pool_handles_open",
			Help: "Number of resident connection handles",
		},
		[]string{"scheme"},
	)

	handleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_pool_handle_events_total",
			Help: "Connection handle lifecycle events",
		},
		[]string{"scheme", "event"},
	)

	acquireWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection handle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remotefs_pool_sweep_duration_seconds",
			Help:    "Duration of one idle/keep-alive sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Remote operation metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_remote_operation_duration_seconds",
			Help:    "Remote operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme", "operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_remote_operations_total",
			Help: "Total remote operations",
		},
		[]string{"scheme", "operation", "status"},
	)

	bytesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_bytes_read_total",
			Help: "Bytes fetched from remote entries",
		},
		[]string{"scheme"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_bytes_uploaded_total",
			Help: "Bytes uploaded to remote entries",
		},
		[]string{"scheme"},
	)

	// Attribute cache metrics
	attrCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_attr_cache_lookups_total",
			Help: "Attribute cache lookups by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHandleEvent records a handle lifecycle event and adjusts the open gauge.
func RecordHandleEvent(scheme, event string) {
	handleEventsTotal.WithLabelValues(scheme, event).Inc()
	switch event {
	case EventCreated:
		handlesOpen.WithLabelValues(scheme).Inc()
	case EventClosed, EventEvicted:
		handlesOpen.WithLabelValues(scheme).Dec()
	}
}

// RecordAcquireWait records how long an acquisition waited.
func RecordAcquireWait(scheme string, d time.Duration) {
	acquireWaitDuration.WithLabelValues(scheme).Observe(d.Seconds())
}

// RecordSweep records a sweep's duration.
func RecordSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}

// RecordRemoteOperation records a remote operation.
func RecordRemoteOperation(scheme, operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(scheme, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	remoteOperationsTotal.WithLabelValues(scheme, operation, status).Inc()
}

// RecordBytesRead adds n fetched bytes.
func RecordBytesRead(scheme string, n int) {
	if n > 0 {
		bytesRead.WithLabelValues(scheme).Add(float64(n))
	}
}

// RecordBytesUploaded adds n uploaded bytes.
func RecordBytesUploaded(scheme string, n int64) {
	if n > 0 {
		bytesUploaded.WithLabelValues(scheme).Add(float64(n))
	}
}

// RecordAttrCacheLookup records a cache hit or a refresh.
func RecordAttrCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	attrCacheLookups.WithLabelValues(result).Inc()
}
