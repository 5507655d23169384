package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fbAgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fb_agents_online",
		Help: "Number of agents with a live WebSocket connection.",
	})

	fbRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fb_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	fbRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fb_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	fbMcpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fb_mcp_requests_total",
		Help: "Total MCP JSON-RPC requests by method.",
	}, []string{"method"})

	fbOAuthGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fb_oauth_grants_total",
		Help: "Total OAuth token grants by grant type.",
	}, []string{"grant_type"})

	fbRateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fb_ratelimit_rejections_total",
		Help: "Requests rejected by a rate limiter, by limiter name.",
	}, []string{"limiter"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fbRequestsTotal.WithLabelValues(method, path, status).Inc()
		fbRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetAgentsOnline sets the online-agent gauge.
func SetAgentsOnline(n float64) {
	fbAgentsOnline.Set(n)
}

// RecordMcpRequest counts one MCP JSON-RPC request.
func RecordMcpRequest(method string) {
	fbMcpRequestsTotal.WithLabelValues(method).Inc()
}

// RecordOAuthGrant counts one successful token grant.
func RecordOAuthGrant(grantType string) {
	fbOAuthGrantsTotal.WithLabelValues(grantType).Inc()
}

func recordRateLimitRejection(limiter string) {
	fbRateLimitRejections.WithLabelValues(limiter).Inc()
}
