package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quipucords/internal/metrics"
)

// MetricsMiddleware records request counts and latencies per route template.
// Requests that match no route share one label so unknown paths cannot grow
// the series count.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, endpoint, status).Observe(time.Since(start).Seconds())
	}
}
