// Package metrics provides Prometheus metrics for Tether.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tether"
)

// Metrics contains all Prometheus metrics for the relay host.
type Metrics struct {
	// Relay connection metrics
	ConnectionState    prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=reconnecting 4=error
	Connects           prometheus.Counter
	Disconnects        prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	PeersPresent       prometheus.Gauge

	// Message metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesQueued   prometheus.Counter
	SendErrors       prometheus.Counter

	// Queue metrics
	QueueDepth     *prometheus.GaugeVec
	QueueDrains    prometheus.Counter
	QueueDelivered prometheus.Counter
	QueueFailures  prometheus.Counter

	// Crypto metrics
	EncryptFailures prometheus.Counter
	DecryptFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered on a
// custom registry. Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connection_state",
			Help:      "Current relay connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error).",
		}),
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connects_total",
			Help:      "Total successful relay channel connections.",
		}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_disconnects_total",
			Help:      "Total relay channel disconnections.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnect_attempts_total",
			Help:      "Total reconnection attempts.",
		}),
		PeersPresent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_peers_present",
			Help:      "Peers currently present on the relay channel.",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages published to the relay channel by type.",
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the relay channel by type.",
		}, []string{"type"}),
		MessagesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Messages diverted to the offline queue.",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Publish failures on the relay channel.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Offline queue depth by status.",
		}, []string{"status"}),
		QueueDrains: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drains_total",
			Help:      "Offline queue drain runs.",
		}),
		QueueDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_delivered_total",
			Help:      "Queued messages delivered during drains.",
		}),
		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failures_total",
			Help:      "Failed delivery attempts during drains.",
		}),
		EncryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encrypt_failures_total",
			Help:      "Payload encryption failures.",
		}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Payload decryption/authentication failures.",
		}),
	}

	return m
}
