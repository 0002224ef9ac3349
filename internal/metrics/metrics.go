// Package metrics provides Prometheus instrumentation for the contact relay.
// It exposes gauges for live connections and breaker state, counters for
// message throughput and fallbacks, and a histogram for broker round trips.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegisteredConversations tracks conversations with a live viewer.
	RegisteredConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registered_conversations",
		Help: "Conversations currently bound to a live connection",
	})

	// MessagesTotal counts messages handled by the relay, labeled by type:
	// "sent", "replayed", "pushed", "dropped", "invalid", "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// BrokerRequestDuration records request/reply round trips in seconds,
	// labeled by queue.
	BrokerRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_broker_request_duration_seconds",
		Help:    "Broker request/reply latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"queue"})

	// FallbacksTotal counts synthesized replies, labeled by queue.
	FallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fallbacks_total",
		Help: "Replies synthesized because the backend could not be reached",
	}, []string{"queue"})

	// BreakerState is 0 (closed), 1 (half-open) or 2 (open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredConversations,
		MessagesTotal,
		BrokerRequestDuration,
		FallbacksTotal,
		BreakerState,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
