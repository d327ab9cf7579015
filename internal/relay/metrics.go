package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each Server owns its own
// registry so several relays can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	ConnectedEndpoints prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	FramesForwarded    prometheus.Counter
	BytesForwarded     prometheus.Counter
	WriteFailures      prometheus.Counter
	ReadFailures       *prometheus.CounterVec
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lancall_relay_connected_endpoints",
			Help: "Number of endpoints currently connected to the relay",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lancall_relay_connections_total",
			Help: "Total endpoint connections accepted",
		}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lancall_relay_frames_forwarded_total",
			Help: "Total frames delivered to a receiving endpoint",
		}),
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lancall_relay_bytes_forwarded_total",
			Help: "Total payload bytes delivered to receiving endpoints",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lancall_relay_write_failures_total",
			Help: "Frames that could not be written to a receiving endpoint",
		}),
		ReadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lancall_relay_connection_closes_total",
			Help: "Endpoint connections closed, by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.ConnectedEndpoints,
		m.ConnectionsTotal,
		m.FramesForwarded,
		m.BytesForwarded,
		m.WriteFailures,
		m.ReadFailures,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
