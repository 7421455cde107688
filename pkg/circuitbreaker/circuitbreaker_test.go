package circuitbreaker_test

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/syncqueue/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(clock *fakeClock) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "log-entry",
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		Now:              clock.Now,
	})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	assert.False(t, cb.RecordFailure(http.StatusTooManyRequests))
	assert.False(t, cb.RecordFailure(http.StatusTooManyRequests))
	assert.True(t, cb.ShouldAttemptCall(), "still closed below threshold")

	assert.True(t, cb.RecordFailure(http.StatusTooManyRequests), "third failure trips the breaker")
	assert.False(t, cb.ShouldAttemptCall())

	status := cb.GetStatus()
	assert.True(t, status.IsOpen)
	assert.True(t, status.QuotaExceeded)
	assert.Equal(t, 3, status.FailureCount)
	assert.Equal(t, time.Minute, status.TimeUntilReset)
}

func TestBreaker_TransitionIsEdgeTriggered(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(http.StatusPaymentRequired)
	}
	assert.False(t, cb.RecordFailure(http.StatusPaymentRequired), "already open")
	assert.Equal(t, 4, cb.GetStatus().FailureCount)
}

func TestBreaker_CooldownResets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(http.StatusTooManyRequests)
	}
	require.False(t, cb.ShouldAttemptCall())

	clock.Advance(30 * time.Second)
	assert.False(t, cb.ShouldAttemptCall())
	assert.Equal(t, 30*time.Second, cb.GetStatus().TimeUntilReset)

	clock.Advance(30 * time.Second)
	assert.True(t, cb.ShouldAttemptCall())

	status := cb.GetStatus()
	assert.False(t, status.IsOpen)
	assert.Equal(t, 0, status.FailureCount)
	assert.Equal(t, time.Duration(0), status.TimeUntilReset)
}

func TestBreaker_IgnoresNonQuotaFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	for i := 0; i < 10; i++ {
		assert.False(t, cb.RecordFailure(http.StatusInternalServerError))
		assert.False(t, cb.RecordFailure(errors.New("connection reset")))
		assert.False(t, cb.RecordFailure(apperrors.New(apperrors.ErrServer, "boom")))
	}
	assert.Equal(t, 0, cb.GetStatus().FailureCount)
	assert.True(t, cb.ShouldAttemptCall())
}

func TestBreaker_AcceptsAppErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	cb.RecordFailure(apperrors.RateLimited(time.Second))
	cb.RecordFailure(&apperrors.AppError{Code: apperrors.ErrQuotaExceeded})
	cb.RecordFailure(&apperrors.AppError{Code: apperrors.ErrServer, Status: http.StatusForbidden})

	assert.True(t, cb.GetStatus().IsOpen)
}

func TestBreaker_SuccessForcesClosed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(http.StatusTooManyRequests)
	}
	require.True(t, cb.GetStatus().IsOpen)

	cb.RecordSuccess()
	assert.True(t, cb.ShouldAttemptCall())
	assert.Equal(t, 0, cb.GetStatus().FailureCount)
}

func TestBreaker_Defaults(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "defaults"})
	for i := 0; i < circuitbreaker.DefaultFailureThreshold-1; i++ {
		cb.RecordFailure(http.StatusTooManyRequests)
	}
	assert.True(t, cb.ShouldAttemptCall())
	assert.True(t, cb.RecordFailure(http.StatusTooManyRequests))
	assert.Equal(t, "defaults", cb.Name())
}
