package circuitbreaker

import (
	"net/http"
	"sync"
	"time"

	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
)

// quotaStatuses are the only HTTP statuses that count as failures.
var quotaStatuses = map[int]bool{
	http.StatusTooManyRequests: true,
	http.StatusPaymentRequired: true,
	http.StatusForbidden:       true,
}

var quotaCodes = map[apperrors.ErrorCode]bool{
	apperrors.ErrRateLimited:   true,
	apperrors.ErrQuotaExceeded: true,
}

type Settings struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	Now              func() time.Time
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Name           string        `json:"name"`
	IsOpen         bool          `json:"isOpen"`
	FailureCount   int           `json:"failureCount"`
	QuotaExceeded  bool          `json:"quotaExceeded"`
	TimeUntilReset time.Duration `json:"timeUntilReset"`
}

// CircuitBreaker guards a quota-limited API. It only reacts to quota
// signals; general unreliability (5xx, network) never opens it. Half-open
// is folded into closed: the first call after the cooldown is allowed and
// resets the failure count.
type CircuitBreaker struct {
	name        string
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
	failures    int
	lastFailure time.Time
	open        bool
	mu          sync.Mutex
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultCooldown
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &CircuitBreaker{
		name:      settings.Name,
		threshold: settings.FailureThreshold,
		cooldown:  settings.Cooldown,
		now:       settings.Now,
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// ShouldAttemptCall reports whether a call may be issued now.
func (cb *CircuitBreaker) ShouldAttemptCall() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}
	if cb.now().Sub(cb.lastFailure) >= cb.cooldown {
		cb.open = false
		cb.failures = 0
		return true
	}
	return false
}

// RecordFailure accepts an HTTP status code, an *errors.AppError or any
// other error. Non-quota failures are ignored. It returns true only on the
// closed -> open transition.
func (cb *CircuitBreaker) RecordFailure(statusOrErr any) bool {
	if !isQuotaFailure(statusOrErr) {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	if !cb.open && cb.failures >= cb.threshold {
		cb.open = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker regardless of its state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.open = false
}

func (cb *CircuitBreaker) GetStatus() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var remaining time.Duration
	if cb.open {
		remaining = cb.cooldown - cb.now().Sub(cb.lastFailure)
		if remaining < 0 {
			remaining = 0
		}
	}
	return Status{
		Name:           cb.name,
		IsOpen:         cb.open,
		FailureCount:   cb.failures,
		QuotaExceeded:  cb.open,
		TimeUntilReset: remaining,
	}
}

func isQuotaFailure(statusOrErr any) bool {
	switch v := statusOrErr.(type) {
	case int:
		return quotaStatuses[v]
	case *apperrors.AppError:
		return v != nil && (quotaCodes[v.Code] || quotaStatuses[v.Status])
	case error:
		if appErr, ok := apperrors.As(v); ok {
			return quotaCodes[appErr.Code] || quotaStatuses[appErr.Status]
		}
	}
	return false
}
