// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and presence counts, counters for message
// throughput, and histograms for append latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parlor_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	// PresenceUsers tracks the number of distinct identities currently joined.
	PresenceUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parlor_presence_users",
		Help: "Distinct identities currently present in the room",
	})

	// MessagesTotal counts send outcomes, labeled by result:
	// "broadcast", "rejected", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_messages_total",
		Help: "Total number of send events processed",
	}, []string{"result"})

	// AppendLatency records message-log append latency in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parlor_append_latency_seconds",
		Help:    "Message store append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// HistoryRequests counts history page reads, labeled "ok" or "error".
	HistoryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_history_requests_total",
		Help: "Total number of history page reads",
	}, []string{"result"})

	// SlowConsumerKicks counts connections dropped because their outbound
	// queue overflowed.
	SlowConsumerKicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parlor_slow_consumer_kicks_total",
		Help: "Connections dropped due to a full outbound queue",
	})

	// AdmissionsTotal counts connection attempts, labeled by outcome:
	// "admitted", "missing", "invalid", or "expired".
	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_admissions_total",
		Help: "Connection admission attempts by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		PresenceUsers,
		MessagesTotal,
		AppendLatency,
		HistoryRequests,
		SlowConsumerKicks,
		AdmissionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
