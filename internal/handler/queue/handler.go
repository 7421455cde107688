package queue

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/pkg/circuitbreaker"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
	"github.com/jwalitptl/syncqueue/pkg/validator"
)

// Service is the queue as seen by the admin API.
type Service interface {
	Enqueue(ctx context.Context, payload model.Payload) (string, error)
	Status(ctx context.Context) (model.QueueStatus, error)
	Get(ctx context.Context, key string) (*model.QueueEntry, error)
	ListFailed(ctx context.Context) ([]*model.QueueEntry, error)
	Retry(ctx context.Context, key string) error
	Acknowledge(ctx context.Context, key string) error
}

// Drainer runs drains on request.
type Drainer interface {
	DrainNow(ctx context.Context) (model.DrainResult, error)
	Trigger()
	LastResult() model.DrainResult
}

// BreakerSource exposes the quota breaker state.
type BreakerSource interface {
	BreakerStatus() circuitbreaker.Status
}

// StatusResponse is the badge data: counts, breaker and connectivity.
type StatusResponse struct {
	Queue     model.QueueStatus     `json:"queue"`
	Breaker   circuitbreaker.Status `json:"breaker"`
	Online    bool                  `json:"online"`
	LastDrain model.DrainResult     `json:"lastDrain"`
}

type Handler struct {
	svc     Service
	drainer Drainer
	breaker BreakerSource
	online  func() bool
}

func NewHandler(svc Service, drainer Drainer, breaker BreakerSource, online func() bool) *Handler {
	return &Handler{
		svc:     svc,
		drainer: drainer,
		breaker: breaker,
		online:  online,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.Status)
	r.POST("/drain", h.Drain)

	entries := r.Group("/entries")
	{
		entries.POST("", h.Enqueue)
		entries.GET("/:key", h.Get)
	}

	failed := r.Group("/failed")
	{
		failed.GET("", h.ListFailed)
		failed.POST("/:key/retry", h.Retry)
		failed.DELETE("/:key", h.Acknowledge)
	}
}

// Enqueue stores the record locally and nudges the drain worker. It
// answers 202 whether or not the backend is reachable.
func (h *Handler) Enqueue(c *gin.Context) {
	var req model.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, validator.FromBindError(err))
		return
	}

	key, err := h.svc.Enqueue(c.Request.Context(), req.Payload())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	if h.drainer != nil {
		h.drainer.Trigger()
	}
	httputil.RespondWithStatus(c, http.StatusAccepted, model.EnqueueResponse{IdempotencyKey: key})
}

func (h *Handler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	resp := StatusResponse{Queue: st, Online: true}
	if h.breaker != nil {
		resp.Breaker = h.breaker.BreakerStatus()
	}
	if h.online != nil {
		resp.Online = h.online()
	}
	if h.drainer != nil {
		resp.LastDrain = h.drainer.LastResult()
	}
	httputil.RespondWithSuccess(c, resp)
}

func (h *Handler) Get(c *gin.Context) {
	entry, err := h.svc.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, entry)
}

// Drain runs a drain now and returns its result.
func (h *Handler) Drain(c *gin.Context) {
	result, err := h.drainer.DrainNow(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}

func (h *Handler) ListFailed(c *gin.Context) {
	entries, err := h.svc.ListFailed(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if entries == nil {
		entries = []*model.QueueEntry{}
	}
	httputil.RespondWithSuccess(c, entries)
}

func (h *Handler) Retry(c *gin.Context) {
	if err := h.svc.Retry(c.Request.Context(), c.Param("key")); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if h.drainer != nil {
		h.drainer.Trigger()
	}
	httputil.RespondWithSuccess(c, gin.H{"idempotencyKey": c.Param("key")})
}

func (h *Handler) Acknowledge(c *gin.Context) {
	if err := h.svc.Acknowledge(c.Request.Context(), c.Param("key")); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
