// Package metrics wraps the Prometheus collectors used by the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the server's collectors. Pass prometheus.DefaultRegisterer
// in main; tests pass a fresh prometheus.NewRegistry so collectors never
// collide across cases.
type Registry struct {
	Subscriptions SubscriptionMetrics
	Messages      MessageMetrics
	Bus           BusMetrics

	reg prometheus.Registerer
}

type SubscriptionMetrics struct {
	// OnlineUsers tracks the total number of live transport handles across
	// all users, i.e. the sum of the registry's per-user set sizes.
	OnlineUsers prometheus.Gauge
}

type MessageMetrics struct {
	Published       prometheus.Counter
	Delivered       prometheus.Counter
	DeliveryErrors  prometheus.Counter
	Dropped         prometheus.Counter
	ConflictRetries prometheus.Counter
}

type BusMetrics struct {
	Connected     prometheus.Gauge
	Reconnects    prometheus.Counter
	Errors        prometheus.Counter
	PublishErrors prometheus.Counter
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		Subscriptions: SubscriptionMetrics{
			OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
				Name: "chat_group_channel_online_users",
				Help: "Number of active group channel subscriptions across all users",
			}),
		},
		Messages: MessageMetrics{
			Published: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_group_messages_published_total",
				Help: "Total number of group messages published to the bus",
			}),
			Delivered: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_group_messages_delivered_total",
				Help: "Total number of group messages delivered to subscribers",
			}),
			DeliveryErrors: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_group_message_delivery_errors_total",
				Help: "Total number of failed sends to subscriber handles",
			}),
			Dropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_group_messages_dropped_total",
				Help: "Total number of inbound bus messages dropped as undecodable",
			}),
			ConflictRetries: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_group_channel_conflict_retries_total",
				Help: "Total number of optimistic lock conflicts that triggered a retry",
			}),
		},
		Bus: BusMetrics{
			Connected: factory.NewGauge(prometheus.GaugeOpts{
				Name: "chat_bus_connected",
				Help: "Whether the NATS connection is currently established (0 or 1)",
			}),
			Reconnects: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_bus_reconnects_total",
				Help: "Total number of NATS reconnects",
			}),
			Errors: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_bus_errors_total",
				Help: "Total number of asynchronous NATS errors",
			}),
			PublishErrors: factory.NewCounter(prometheus.CounterOpts{
				Name: "chat_bus_publish_errors_total",
				Help: "Total number of failed bus publishes",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing the collectors registered on this
// Registry's registerer, so the endpoint always serves the same registry the
// metrics were built with.
func (r *Registry) Handler() http.Handler {
	if g, ok := r.reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
