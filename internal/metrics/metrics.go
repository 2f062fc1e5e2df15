package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of live websocket connections",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted",
	})
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Total number of messages pushed to live connections",
	})
	DeliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_failures_total",
		Help: "Pushes that a single live connection could not accept",
	})
	GhostSendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ghost_sends_total",
		Help: "Messages accepted from senders without an active membership",
	})
	RevivalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_membership_revivals_total",
		Help: "One-to-one memberships revived by an incoming message",
	})
	RoomsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_rooms_deleted_total",
		Help: "Rooms removed after their last active member left",
	})
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"path"})
	TypingEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_events_total",
		Help: "Typing indicators relayed to room connections",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		MessagesTotal,
		DeliveriesTotal,
		DeliveryFailuresTotal,
		GhostSendsTotal,
		RevivalsTotal,
		RoomsDeletedTotal,
		RateLimitedTotal,
		TypingEventsTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware records request counts and latencies for Prometheus.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
