package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a wire-level error code
type ErrorCode string

// Codes shared with the backend envelope
const (
	ErrConflict           ErrorCode = "CONFLICT"
	ErrSessionExpired     ErrorCode = "SESSION_EXPIRED"
	ErrValidation         ErrorCode = "VALIDATION_ERROR"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrNetwork            ErrorCode = "NETWORK_ERROR"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrServer             ErrorCode = "SERVER_ERROR"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrStorage            ErrorCode = "STORAGE_ERROR"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Kind groups error codes by how callers are expected to react.
type Kind int

const (
	KindTransient Kind = iota
	KindValidation
	KindAuthentication
	KindQuota
	KindStorage
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindQuota:
		return "quota"
	case KindStorage:
		return "storage"
	case KindDuplicate:
		return "duplicate"
	default:
		return "transient"
	}
}

// AppError represents an application error. It doubles as the error object
// of the response envelope.
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Field      string    `json:"field,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	Status     int       `json:"-"`
	Err        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Kind classifies the error.
func (e *AppError) Kind() Kind {
	switch e.Code {
	case ErrConflict:
		return KindDuplicate
	case ErrValidation:
		return KindValidation
	case ErrSessionExpired, ErrUnauthorized, ErrInvalidCredentials:
		return KindAuthentication
	case ErrRateLimited, ErrQuotaExceeded, ErrCircuitOpen:
		return KindQuota
	case ErrStorage:
		return KindStorage
	default:
		return KindTransient
	}
}

// RetryAfterDuration returns RetryAfter as a duration.
func (e *AppError) RetryAfterDuration() time.Duration {
	return time.Duration(e.RetryAfter) * time.Second
}

// HTTPStatus returns the status the backend answers with for this error.
func (e *AppError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case ErrConflict:
		return http.StatusConflict
	case ErrValidation:
		return http.StatusUnprocessableEntity
	case ErrSessionExpired, ErrUnauthorized, ErrInvalidCredentials:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrQuotaExceeded:
		return http.StatusPaymentRequired
	case ErrNotFound:
		return http.StatusNotFound
	case ErrCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around err.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// As returns the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf classifies any error. Errors that are not AppErrors are transient.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind()
	}
	return KindTransient
}

// Error constructors

func Validation(field, message string) *AppError {
	return &AppError{Code: ErrValidation, Message: message, Field: field}
}

func SessionExpired(message string) *AppError {
	if message == "" {
		message = "session expired"
	}
	return &AppError{Code: ErrSessionExpired, Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Code: ErrConflict, Message: message}
}

func RateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       ErrRateLimited,
		Message:    "too many requests",
		RetryAfter: int((retryAfter + time.Second - 1) / time.Second),
	}
}

func CircuitOpen(name string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       ErrCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker %s is open", name),
		RetryAfter: int((retryAfter + time.Second - 1) / time.Second),
	}
}

func Network(err error) *AppError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrTimeout, Message: "request timed out", Err: err}
	}
	return &AppError{Code: ErrNetwork, Message: "network request failed", Err: err}
}

func Storage(err error) *AppError {
	return &AppError{Code: ErrStorage, Message: "durable store unavailable", Err: err}
}

func NotFound(resource string) *AppError {
	return &AppError{Code: ErrNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

func Internal(err error) *AppError {
	return &AppError{Code: ErrInternal, Message: "internal server error", Err: err}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: ErrUnauthorized, Message: message}
}
