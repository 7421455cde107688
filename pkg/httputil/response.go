package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool                `json:"success"`
	Data    interface{}         `json:"data,omitempty"`
	Error   *apperrors.AppError `json:"error,omitempty"`
}

// Envelope is the decoding side of Response; Data stays raw until the
// caller knows its shape.
type Envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Error   *apperrors.AppError `json:"error,omitempty"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	RespondWithStatus(c, http.StatusOK, data)
}

// RespondWithStatus sends a success response with an explicit status
func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError sends an error response
func RespondWithError(c *gin.Context, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal(err)
	}

	if appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}

	c.AbortWithStatusJSON(appErr.HTTPStatus(), Response{
		Success: false,
		Error:   appErr,
	})
}

// ErrorFromStatus synthesises an error for responses that carry no
// envelope (proxies, load balancers, empty bodies).
func ErrorFromStatus(status int, retryAfter string) *apperrors.AppError {
	var code apperrors.ErrorCode
	switch {
	case status == http.StatusUnauthorized:
		code = apperrors.ErrSessionExpired
	case status == http.StatusConflict:
		code = apperrors.ErrConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = apperrors.ErrValidation
	case status == http.StatusTooManyRequests:
		code = apperrors.ErrRateLimited
	case status == http.StatusPaymentRequired || status == http.StatusForbidden:
		code = apperrors.ErrQuotaExceeded
	case status == http.StatusNotFound:
		code = apperrors.ErrNotFound
	default:
		code = apperrors.ErrServer
	}

	appErr := &apperrors.AppError{
		Code:    code,
		Message: http.StatusText(status),
		Status:  status,
	}
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		appErr.RetryAfter = secs
	}
	return appErr
}
