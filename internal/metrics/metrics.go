// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics holds the relay's collectors.
type Metrics struct {
	ActiveConnections    prometheus.Gauge
	MessagesRelayed      prometheus.Counter
	BroadcastFailures    prometheus.Counter
	RateLimitedMessages  prometheus.Counter
	HistoryWriteFailures prometheus.Counter
	HistorySize          prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the relay collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of registered WebSocket connections.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_relayed_total",
			Help:      "Total number of inbound messages accepted and broadcast.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "broadcast_send_failures_total",
			Help:      "Total number of per-recipient broadcast sends that failed.",
		}),
		RateLimitedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rate_limited_messages_total",
			Help:      "Total number of inbound messages dropped by the rate limiter.",
		}),
		HistoryWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "write_failures_total",
			Help:      "Total number of history appends that could not be written durably.",
		}),
		HistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "buffered_messages",
			Help:      "Number of messages held in the in-memory history buffer.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.MessagesRelayed,
		m.BroadcastFailures,
		m.RateLimitedMessages,
		m.HistoryWriteFailures,
		m.HistorySize,
	)
	return m
}

// NewUnregistered returns collectors bound to a private registry. Components
// use it when no shared registry is supplied.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
