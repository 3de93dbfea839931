// Package metrics provides Prometheus instrumentation for the A2A server.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "babylon"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks live A2A connections (authenticated or not).
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "a2a",
			Name:      "active_connections",
			Help:      "Number of currently registered A2A connections.",
		},
	)

	// ConnectionsRejectedTotal counts connections refused at capacity.
	ConnectionsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "connections_rejected_total",
		Help:      "Connections rejected because the registry was full.",
	})

	// ConnectionsClosedTotal counts closed connections by reason.
	ConnectionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "connections_closed_total",
		Help:      "Closed A2A connections by reason.",
	}, []string{"reason"})

	// HandshakesTotal counts handshake attempts by result.
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "handshakes_total",
		Help:      "Handshake attempts by result.",
	}, []string{"result"})

	// RequestsTotal counts dispatched envelopes by method and outcome code.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "requests_total",
		Help:      "JSON-RPC requests by method and outcome.",
	}, []string{"method", "outcome"})

	// RequestDuration observes handler latency by method.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "request_duration_seconds",
		Help:      "Handler duration in seconds by method.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method"})

	// RateLimitedTotal counts envelopes rejected by the token bucket.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by per-session rate limiting.",
	})

	// BroadcastDeliveriesTotal counts push notifications by result.
	BroadcastDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "broadcast_deliveries_total",
		Help:      "Push notifications by result (delivered, failed).",
	}, []string{"result"})

	// MarketSubscriptions tracks the size of the market reverse index.
	MarketSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "market_subscriptions",
		Help:      "Number of (market, connection) subscription pairs.",
	})

	// ActiveCoalitions tracks live coalitions.
	ActiveCoalitions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "active_coalitions",
		Help:      "Number of coalitions with at least one member.",
	})

	// PaymentRequestsTotal counts payment request transitions by status.
	PaymentRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "x402",
		Name:      "payment_requests_total",
		Help:      "Payment request transitions by resulting status.",
	}, []string{"status"})

	// TradesTotal counts executed trades by side.
	TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "a2a",
		Name:      "trades_total",
		Help:      "Executed trades by side and outcome.",
	}, []string{"side", "outcome"})

	// CircuitTransitionsTotal counts chain RPC circuit breaker transitions.
	CircuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveConnections,
		ConnectionsRejectedTotal,
		ConnectionsClosedTotal,
		HandshakesTotal,
		RequestsTotal,
		RequestDuration,
		RateLimitedTotal,
		BroadcastDeliveriesTotal,
		MarketSubscriptions,
		ActiveCoalitions,
		PaymentRequestsTotal,
		TradesTotal,
		CircuitTransitionsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count and, when
// db is non-nil, sql.DBStats. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
