package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
)

const DefaultMaxBodySize = 1 << 20 // 1MB

// SizeLimit rejects bodies larger than maxBytes.
func SizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			appErr := apperrors.Validation("", "request body too large")
			appErr.Status = http.StatusRequestEntityTooLarge
			httputil.RespondWithError(c, appErr)
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
