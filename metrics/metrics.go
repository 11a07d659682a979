package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fanbase"

var (
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	LinkOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kick",
			Name:      "link_outcomes_total",
			Help:      "OAuth link completions by outcome",
		},
		[]string{"outcome"},
	)
	RefreshOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kick",
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)
	PaymentCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "paytr",
			Name:      "callbacks_total",
			Help:      "Payment notifications by outcome",
		},
		[]string{"outcome"},
	)
	PaymentSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "paytr",
			Name:      "sessions_total",
			Help:      "Payment session requests by outcome",
		},
		[]string{"outcome"},
	)
	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connections",
			Help:      "Open event bridge client connections",
		},
	)
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Upstream messages forwarded by event name",
		},
		[]string{"event"},
	)
	RealtimeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Active change feed subscriptions",
		},
	)
	DBConnPoolStats = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connection_pool",
			Help:      "Database connection pool statistics",
		},
		[]string{"stat"},
	)
)

// Middleware records request count and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		RequestCounter.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func RecordDBPoolStats(stats sql.DBStats) {
	DBConnPoolStats.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DBConnPoolStats.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBConnPoolStats.WithLabelValues("idle").Set(float64(stats.Idle))
	DBConnPoolStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	DBConnPoolStats.WithLabelValues("wait_duration_ms").Set(float64(stats.WaitDuration.Milliseconds()))
}
