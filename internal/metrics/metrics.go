// Package metrics holds the prometheus collectors shared by the client and
// server components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Write queue
	QueueOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_queue_operations_total",
		Help: "The total number of write queue operations",
	}, []string{"op"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wellsync_queue_depth",
		Help: "The number of records in the write queue",
	}, []string{"view"})

	// Background sync
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_sync_runs_total",
		Help: "The total number of queue drains",
	}, []string{"trigger"})

	SyncRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_sync_records_total",
		Help: "The total number of records submitted by outcome",
	}, []string{"outcome"})

	SyncLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "wellsync_sync_submit_latency_seconds",
		Help: "The latency of a single record submission",
	})

	// Connection manager
	ChannelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wellsync_channel_state",
		Help: "1 for the current connection state, 0 otherwise",
	}, []string{"state"})

	ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wellsync_channel_reconnect_attempts_total",
		Help: "The total number of reconnect attempts",
	})

	ChannelMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_channel_messages_total",
		Help: "The total number of channel messages by direction",
	}, []string{"direction"})

	// Router
	RouterMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_router_messages_total",
		Help: "The total number of inbound messages by dispatch category",
	}, []string{"category"})

	// Offline cache
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_cache_lookups_total",
		Help: "The total number of offline cache lookups by result",
	}, []string{"result"})

	// Hub
	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wellsync_hub_connections",
		Help: "The number of open hub connections",
	})

	HubMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_hub_messages_total",
		Help: "The total number of hub messages by type and direction",
	}, []string{"type", "direction"})

	// Ingest
	IngestRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_ingest_requests_total",
		Help: "The total number of health-data submissions by result",
	}, []string{"result"})

	// HTTP
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wellsync_http_requests_total",
		Help: "The total number of HTTP requests by method and status code",
	}, []string{"method", "code"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wellsync_http_rate_limited_total",
		Help: "The total number of requests rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(QueueOperations)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SyncRuns)
	prometheus.MustRegister(SyncRecords)
	prometheus.MustRegister(SyncLatency)
	prometheus.MustRegister(ChannelState)
	prometheus.MustRegister(ChannelReconnects)
	prometheus.MustRegister(ChannelMessages)
	prometheus.MustRegister(RouterMessages)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(HubConnections)
	prometheus.MustRegister(HubMessages)
	prometheus.MustRegister(IngestRequests)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(RateLimited)
}
