package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "umicp"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	transportFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames sent and received.",
		},
		[]string{"network", "direction"},
	)
	transportBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Frame bytes sent and received, headers included.",
		},
		[]string{"network", "direction"},
	)
	transportConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Connections currently tracked, by network.",
		},
		[]string{"network"},
	)
	transportConnEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events (opened, closed, failed, rejected).",
		},
		[]string{"network", "event"},
	)
	transportBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "backpressure_rejections_total",
			Help:      "Sends rejected because the connection queue was full.",
		},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport errors by kind (decode, handler, io, handshake).",
		},
		[]string{"kind"},
	)
	matrixOps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matrix",
			Name:      "op_duration_seconds",
			Help:      "Matrix engine operation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
		[]string{"op", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transportFrames,
			transportBytes,
			transportConnections,
			transportConnEvents,
			transportBackpressure,
			transportErrors,
			matrixOps,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame of n bytes; direction is "in" or "out".
func RecordFrame(network, direction string, n int) {
	RegisterMetrics()
	transportFrames.WithLabelValues(network, direction).Inc()
	transportBytes.WithLabelValues(network, direction).Add(float64(n))
}

func RecordConnectionOpened(network string) {
	RegisterMetrics()
	transportConnections.WithLabelValues(network).Inc()
	transportConnEvents.WithLabelValues(network, "opened").Inc()
}

// RecordConnectionClosed counts a teardown; failed marks an I/O-driven close.
func RecordConnectionClosed(network string, failed bool) {
	RegisterMetrics()
	transportConnections.WithLabelValues(network).Dec()
	event := "closed"
	if failed {
		event = "failed"
	}
	transportConnEvents.WithLabelValues(network, event).Inc()
}

func RecordConnectionRejected(network string) {
	RegisterMetrics()
	transportConnEvents.WithLabelValues(network, "rejected").Inc()
}

func RecordBackpressure() {
	RegisterMetrics()
	transportBackpressure.Inc()
}

func RecordTransportError(kind string) {
	RegisterMetrics()
	transportErrors.WithLabelValues(kind).Inc()
}

func RecordMatrixOp(op string, duration time.Duration, err error) {
	RegisterMetrics()
	matrixOps.WithLabelValues(op, strconv.FormatBool(err == nil)).Observe(duration.Seconds())
}
