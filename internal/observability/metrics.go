package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ans",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status API requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ans",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	peersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "peers_active",
			Help:      "Registered peers.",
		},
	)
	boardsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "boards_active",
			Help:      "Open boards.",
		},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Connections in the worker phase by link type.",
		},
		[]string{"link"},
	)
	connectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "connections_rejected_total",
			Help:      "Connections closed before the handshake.",
		},
		[]string{"reason"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Link handshakes by link type and response status.",
		},
		[]string{"link", "status"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Dispatched commands.",
		},
		[]string{"link", "function", "status"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "command_duration_seconds",
			Help:      "Handler execution time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"link"},
	)
	discoveryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ans",
			Subsystem: "gateway",
			Name:      "discovery_requests_total",
			Help:      "Discovery datagrams received by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			peersActive,
			boardsActive,
			connectionsActive,
			connectionsRejected,
			handshakes,
			commands,
			commandDuration,
			discoveryRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetPeersActive(n int) {
	RegisterMetrics()
	peersActive.Set(float64(n))
}

func SetBoardsActive(n int) {
	RegisterMetrics()
	boardsActive.Set(float64(n))
}

func ConnectionOpened(link string) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(link).Inc()
}

func ConnectionClosed(link string) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(link).Dec()
}

func RecordConnectionRejected(reason string) {
	RegisterMetrics()
	connectionsRejected.WithLabelValues(reason).Inc()
}

func RecordHandshake(link, status string) {
	RegisterMetrics()
	handshakes.WithLabelValues(link, status).Inc()
}

func RecordCommand(link, function, status string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(link, function, status).Inc()
	commandDuration.WithLabelValues(link).Observe(duration.Seconds())
}

func RecordDiscoveryRequest(outcome string) {
	RegisterMetrics()
	discoveryRequests.WithLabelValues(outcome).Inc()
}
