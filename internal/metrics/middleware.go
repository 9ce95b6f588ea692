package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/socialpulse/socialpulse/internal/logging"
)

// Middleware records HTTP metrics for each request. Unmatched routes are
// collapsed into one label so scanners cannot blow up cardinality.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RecordRequestLatency(endpoint, c.Request.Method, status, time.Since(start).Seconds())
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if len(c.Errors) > 0 && logger != nil {
			logger.ErrorWithContext(c.Request.Context(), "request error", "error", c.Errors.String(), "endpoint", endpoint)
		}
	}
}
