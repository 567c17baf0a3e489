package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_visualizer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_visualizer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_visualizer_commands_total",
			Help: "Commands executed, by outcome (ok or error kind)",
		},
		[]string{"command", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_visualizer_command_duration_seconds",
			Help:    "Command execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_visualizer_relay_events_published_total",
			Help: "Events accepted by the relay",
		},
		[]string{"type"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_visualizer_relay_events_dropped_total",
			Help: "Events or deliveries dropped by the relay",
		},
		[]string{"reason"},
	)

	relaySubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_visualizer_relay_subscribers",
			Help: "Live relay subscribers",
		},
	)

	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_visualizer_websocket_connections",
			Help: "Open websocket connections",
		},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode/100) + "xx"
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCommand records one command execution. outcome is "ok" or an error kind.
func RecordCommand(name, outcome string, duration time.Duration) {
	commandsTotal.WithLabelValues(name, outcome).Inc()
	commandDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func WebsocketOpened() {
	wsConnections.Inc()
}

func WebsocketClosed() {
	wsConnections.Dec()
}

// Relay implements relay.Metrics on the process-wide collectors.
type Relay struct{}

func (Relay) EventPublished(kind models.EventKind) {
	eventsPublished.WithLabelValues(string(kind)).Inc()
}

func (Relay) EventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

func (Relay) SubscribersChanged(n int) {
	relaySubscribers.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
