package backend

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	playground "github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/syncqueue/internal/middleware"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/validator"
)

var bindingOnce sync.Once

// NewRouter builds the backend engine.
func NewRouter(svc *Service, cfg Config, log *logger.Logger) *gin.Engine {
	bindingOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*playground.Validate); ok {
			validator.RegisterTagNames(v)
		}
	})

	perMinute := cfg.LoginRate
	if perMinute <= 0 {
		perMinute = 5
	}
	loginLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  rate.Limit(perMinute / 60),
		Burst: cfg.LoginBurst,
		Idle:  10 * time.Minute,
	})

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.SizeLimit(middleware.DefaultMaxBodySize),
	)

	NewHandler(svc, loginLimiter, cfg).RegisterRoutes(r)
	return r
}
