package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ws_events_total",
			Help: "Total number of websocket events by kind.",
		},
		[]string{"kind", "event"},
	)
	messagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_messages_stored_total",
			Help: "Messages durably stored, by type.",
		},
		[]string{"type"},
	)
	messageStoreFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_message_store_failures_total",
			Help: "Sends that failed after exhausting storage retries.",
		},
	)
	deliveryFanoutSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messenger_delivery_fanout_seconds",
			Help:    "Time from durable write until all recipient queues are populated.",
			Buckets: prometheus.DefBuckets,
		},
	)
	deliveryDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_delivery_dropped_total",
			Help: "Pushes dropped because the connection queue was full or closed.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		messagesStoredTotal,
		messageStoreFailures,
		deliveryFanoutSeconds,
		deliveryDroppedTotal,
		amqpPublishErrorsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latency per route.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncMessageStored(messageType string) {
	messagesStoredTotal.WithLabelValues(messageType).Inc()
}

func IncStoreFailure() { messageStoreFailures.Inc() }

func ObserveFanout(d time.Duration) {
	deliveryFanoutSeconds.Observe(d.Seconds())
}

func IncDeliveryDropped() { deliveryDroppedTotal.Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }
