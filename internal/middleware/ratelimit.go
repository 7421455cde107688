package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
)

type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
	// Idle is how long an unused key keeps its limiter.
	Idle time.Duration
}

// RateLimiter keeps one token bucket per key (client IP, login
// identifier). Buckets of idle keys expire from the cache.
type RateLimiter struct {
	config   RateLimiterConfig
	limiters *cache.Cache
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Idle <= 0 {
		config.Idle = 10 * time.Minute
	}
	return &RateLimiter{
		config:   config,
		limiters: cache.New(config.Idle, config.Idle),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Get(key); ok {
		rl.limiters.SetDefault(key, l)
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	if err := rl.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		// another request created it first
		if existing, ok := rl.limiters.Get(key); ok {
			return existing.(*rate.Limiter)
		}
	}
	return l
}

// Allow consumes one token for key. When the bucket is empty it reports
// how long until the next token.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	r := rl.limiter(key).Reserve()
	if !r.OK() {
		return false, rl.config.Idle
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// RateLimit limits requests per client IP.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, retry := rl.Allow(c.ClientIP()); !ok {
			httputil.RespondWithError(c, apperrors.RateLimited(retry))
			return
		}
		c.Next()
	}
}
