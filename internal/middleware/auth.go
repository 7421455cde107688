package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/syncqueue/internal/model"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
)

const (
	ContextUserID     = "userID"
	ContextLocationID = "locationID"
)

// TokenVerifier validates an access token and returns its claims.
type TokenVerifier interface {
	VerifyToken(token string) (*model.TokenClaims, error)
}

// Authenticate verifies the bearer token and sets the caller in context.
// Missing, malformed and expired tokens all answer SESSION_EXPIRED so the
// client knows to re-authenticate.
func Authenticate(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			httputil.RespondWithError(c, apperrors.SessionExpired("missing bearer token"))
			return
		}

		claims, err := v.VerifyToken(parts[1])
		if err != nil {
			httputil.RespondWithError(c, apperrors.SessionExpired("invalid or expired token"))
			return
		}

		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextLocationID, claims.LocationID)
		c.Next()
	}
}
