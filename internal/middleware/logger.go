package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/syncqueue/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests. Bodies are never
// logged; they carry credentials and compliance data.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		evt := log.ZL.Info()
		switch {
		case status >= 500:
			evt = log.ZL.Error()
		case status >= 400:
			evt = log.ZL.Warn()
		}

		evt.Str("request_id", c.GetString(ContextRequestID)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request processed")
	}
}
