// Package metrics provides Prometheus instrumentation for the chat-core
// server: connection and presence gauges, message throughput counters, the
// write-queue depth backpressure gauge, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// MessagesTotal counts submit outcomes, labeled by result:
	// "committed", "deduplicated", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of message submissions processed",
	}, []string{"result"})

	// SubmitLatency records end-to-end submit latency in seconds, including
	// time spent waiting for a write-queue slot.
	SubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_submit_latency_seconds",
		Help:    "Message submit latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// WriteQueueDepth tracks how many writes are waiting on the single
	// writer. Rising depth is the backpressure signal.
	WriteQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_write_queue_depth",
		Help: "Current depth of the single-writer queue",
	})

	// WriteRetriesTotal counts transient store errors retried by the writer.
	WriteRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_write_retries_total",
		Help: "Total transient store errors retried by the writer",
	})

	// FanoutDeliveredTotal counts events enqueued to connection mailboxes.
	FanoutDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_fanout_delivered_total",
		Help: "Total events enqueued to connection outbound mailboxes",
	})

	// FanoutDroppedTotal counts connections evicted for mailbox overflow.
	FanoutDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_fanout_dropped_total",
		Help: "Total connections evicted because their outbound mailbox overflowed",
	})

	// ReplaysTotal counts replay requests, labeled by result:
	// "complete", "truncated", or "denied".
	ReplaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_replays_total",
		Help: "Total reconnection replays served",
	}, []string{"result"})

	// PresenceOnline tracks the current number of users considered online.
	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_presence_online",
		Help: "Current number of users tracked as online",
	})

	// CacheLookupsTotal counts read-through cache lookups, labeled "hit" or "miss".
	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_cache_lookups_total",
		Help: "Total read-through cache lookups",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SubmitLatency,
		WriteQueueDepth,
		WriteRetriesTotal,
		FanoutDeliveredTotal,
		FanoutDroppedTotal,
		ReplaysTotal,
		PresenceOnline,
		CacheLookupsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
