package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether the durable store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	store  Pinger
	online func() bool
}

// NewHandler creates the health handler. online may be nil.
func NewHandler(store Pinger, online func() bool) *Handler {
	return &Handler{
		store:  store,
		online: online,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// ReadinessCheck only fails on the store. Losing the backend is the
// normal offline mode and is reported, not failed.
func (h *Handler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DOWN",
			"reason": "Durable store unavailable",
		})
		return
	}

	online := true
	if h.online != nil {
		online = h.online()
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP", "online": online})
}
