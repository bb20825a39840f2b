// Package metrics holds the Prometheus collectors of the service and the gin
// middleware that instruments HTTP traffic. Labels stay low-cardinality:
// route patterns, outcome names and status codes only.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// WebhookEvents counts webhook sub-events by kind (message, status,
	// payload) and result (stored, duplicate, unknown, error).
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events processed, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// BotReplies counts outbound bot messages by delivery mode
	// (interactive, list, text, fallback) and result (ok, failed).
	BotReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_replies_total",
			Help: "Bot replies sent, by mode and result.",
		},
		[]string{"mode", "result"},
	)

	// BotTransitions counts state machine outcomes.
	BotTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_transitions_total",
			Help: "Conversation outcomes, by kind.",
		},
		[]string{"outcome"},
	)

	// DispatchAttempts counts campaign send attempts by result (sent,
	// retry, failed, skipped).
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Campaign send attempts, by result.",
		},
		[]string{"result"},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Messages waiting in the dispatch queue.",
		},
	)

	DispatchSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Duration of campaign provider calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlowLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_cache_loads_total",
			Help: "Flow snapshot loads from storage, by result.",
		},
		[]string{"result"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Connected live-event websocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpReqs, httpLat, httpInflight,
		WebhookEvents, BotReplies, BotTransitions,
		DispatchAttempts, DispatchQueueDepth, DispatchSendLatency,
		FlowLoads, WSClients,
	)
}

// Middleware instruments requests with the http_* collectors. The path label
// is the registered route, falling back to the raw path on 404.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
