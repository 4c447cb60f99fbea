// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the relay core.
type Registry struct {
	ActiveSessions     prometheus.Gauge
	MessagesRelayed    prometheus.Counter
	MessagesQueued     prometheus.Counter
	MessagesDrained    prometheus.Counter
	SignalingForwarded prometheus.Counter
	SignalingDropped   prometheus.Counter

	reg *prometheus.Registry
}

// NewRegistry creates the relay's metric collectors on a private registry so
// multiple instances can coexist in tests.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of live WebSocket sessions in the registry",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Encrypted messages delivered to a live socket",
		}),
		MessagesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_queued_total",
			Help: "Encrypted messages queued for offline recipients",
		}),
		MessagesDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_drained_total",
			Help: "Queued messages delivered during reconnect drain",
		}),
		SignalingForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_signaling_forwarded_total",
			Help: "Call signaling frames forwarded to a live socket",
		}),
		SignalingDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_signaling_dropped_total",
			Help: "Call signaling frames dropped because the recipient was offline",
		}),
		reg: reg,
	}
}

// Handler returns an HTTP handler exposing the collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
