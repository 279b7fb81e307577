package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries the hub's counters on a private registry, so multiple hubs
// can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal prometheus.Counter
	ConnectedClients prometheus.Gauge
	IntentsTotal     *prometheus.CounterVec
	EventsTotal      prometheus.Counter
	ErrorsTotal      prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wishhub_connections_total",
			Help: "Accepted websocket connections.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wishhub_connected_clients",
			Help: "Currently connected clients.",
		}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wishhub_intents_total",
			Help: "Received intents by type.",
		}, []string{"type"}),
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wishhub_events_broadcast_total",
			Help: "Events broadcast to clients.",
		}),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wishhub_errors_total",
			Help: "Error events sent to clients.",
		}),
	}

	registry.MustRegister(
		metrics.ConnectionsTotal,
		metrics.ConnectedClients,
		metrics.IntentsTotal,
		metrics.EventsTotal,
		metrics.ErrorsTotal,
	)
	return metrics
}

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.registry, promhttp.HandlerOpts{})
}
