package connmgr

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the connection manager.
type Metrics struct {
	clientsConnected  prometheus.Gauge
	accepted          prometheus.Counter
	disconnected      prometheus.Counter
	handshakeFailures prometheus.Counter
	messagesSent      *prometheus.CounterVec
	bytesSent         prometheus.Counter
	deliveryErrors    prometheus.Counter
	broadcastDuration prometheus.Histogram
}

// newMetrics creates and registers collectors. A nil registerer disables metrics.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total clients accepted after a completed handshake",
		}),
		disconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "disconnected_total",
			Help:      "Total clients removed from the connection set",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "handshake_failures_total",
			Help:      "Total connection attempts that failed the handshake",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "messages_sent_total",
			Help:      "Total messages written to clients",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "bytes_sent_total",
			Help:      "Total encoded bytes written to clients",
		}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "delivery_errors_total",
			Help:      "Total failed message deliveries",
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "datastream",
			Subsystem: "connections",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one message out to all clients",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	reg.MustRegister(
		m.clientsConnected,
		m.accepted,
		m.disconnected,
		m.handshakeFailures,
		m.messagesSent,
		m.bytesSent,
		m.deliveryErrors,
		m.broadcastDuration,
	)
	return m
}
