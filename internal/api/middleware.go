package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trading-fee-billing/internal/logging"
)

// requestLogger attaches a trace ID and a request-scoped logger to every
// request and logs one line when it completes.
func requestLogger(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, log := logging.WithTraceContext(c.Request.Context(), base)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", logging.TraceIDFromContext(ctx))

		c.Next()

		status := c.Writer.Status()
		args := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			log.Error("Request failed", args...)
		case status >= 400:
			log.Warn("Request rejected", args...)
		default:
			log.Debug("Request handled", args...)
		}
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
