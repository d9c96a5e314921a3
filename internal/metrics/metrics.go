// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Conversion span directions.
const (
	DirectionRequest      = "request"
	DirectionResponse     = "response"
	DirectionError        = "error"
	DirectionStream       = "stream"
	DirectionVideoRequest = "video_request"
	DirectionVideoTask    = "video_task"
)

// Span statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	conversionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aether_format_conversion_total",
			Help: "Format conversions by direction, source, target and status.",
		},
		[]string{"direction", "source_format", "target_format", "status"},
	)

	conversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aether_format_conversion_duration_seconds",
			Help:    "Format conversion latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction", "source_format", "target_format"},
	)

	upstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aether_upstream_attempts_total",
			Help: "Upstream dispatch attempts by provider format and outcome.",
		},
		[]string{"target_format", "status"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aether_http_requests_total",
			Help: "Inbound HTTP requests by method, route and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aether_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	tunnelStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aether_tunnel_active_streams",
			Help: "Streams currently multiplexed over proxy tunnels.",
		},
	)

	tunnelConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aether_tunnel_connections",
			Help: "Live tunnel connections across all proxy nodes.",
		},
	)
)

// ObserveConversion records one conversion span.
func ObserveConversion(direction, source, target, status string, elapsed time.Duration) {
	conversionTotal.WithLabelValues(direction, source, target, status).Inc()
	conversionDuration.WithLabelValues(direction, source, target).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records one inbound request.
func ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// ObserveUpstreamAttempt records the outcome of one upstream attempt.
func ObserveUpstreamAttempt(targetFormat, status string) {
	upstreamAttempts.WithLabelValues(targetFormat, status).Inc()
}

// TunnelStreamOpened / TunnelStreamClosed track multiplexed stream counts.
func TunnelStreamOpened() { tunnelStreams.Inc() }
func TunnelStreamClosed() { tunnelStreams.Dec() }

// TunnelConnected / TunnelDisconnected track live tunnel connections.
func TunnelConnected()    { tunnelConnections.Inc() }
func TunnelDisconnected() { tunnelConnections.Dec() }
