// Package metrics wraps the Prometheus collectors exported by the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every collector so tests can build isolated instances
// without tripping duplicate-registration panics on the default registry.
type Registry struct {
	reg *prometheus.Registry

	// Connection lifecycle
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	AuthFailures        prometheus.Counter

	// Wire traffic
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter

	// Broker core
	MessagesPublished    prometheus.Counter
	EventsDelivered      prometheus.Counter
	MessagesDisplaced    prometheus.Counter
	SlowConsumersEjected prometheus.Counter
	TopicsActive         prometheus.Gauge
	SubscribersActive    prometheus.Gauge
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_ws_connections_active",
			Help: "Current number of open WebSocket connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_ws_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_ws_connections_rejected_total",
			Help: "Connections refused by the rate limiter or resource guard",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_ws_auth_failures_total",
			Help: "Connections closed for a missing or unknown API key",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_ws_frames_received_total",
			Help: "Total inbound frames read from clients",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_ws_frames_sent_total",
			Help: "Total outbound frames written to clients",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_published_total",
			Help: "Total messages accepted by topic publish",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_events_delivered_total",
			Help: "Total event frames delivered to subscribers",
		}),
		MessagesDisplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_displaced_total",
			Help: "Oldest-message evictions caused by full subscriber queues",
		}),
		SlowConsumersEjected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_slow_consumers_ejected_total",
			Help: "Subscribers removed for exceeding the slow-consumer threshold",
		}),
		TopicsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_topics_active",
			Help: "Current number of topics in the registry",
		}),
		SubscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_subscribers_active",
			Help: "Current number of live subscribers across all topics",
		}),
	}

	r.reg.MustRegister(
		r.ConnectionsActive,
		r.ConnectionsTotal,
		r.ConnectionsRejected,
		r.AuthFailures,
		r.FramesReceived,
		r.FramesSent,
		r.MessagesPublished,
		r.EventsDelivered,
		r.MessagesDisplaced,
		r.SlowConsumersEjected,
		r.TopicsActive,
		r.SubscribersActive,
	)

	return r
}

// Handler exposes the registry for Prometheus scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
