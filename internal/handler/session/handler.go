package session

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/service/session"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
	"github.com/jwalitptl/syncqueue/pkg/validator"
)

// Manager is the session as seen by the admin API.
type Manager interface {
	Login(ctx context.Context, identifier, secret string) error
	Logout(ctx context.Context)
	State() session.State
	User() *model.User
}

// View never includes the access token.
type View struct {
	State session.State `json:"state"`
	User  *model.User   `json:"user,omitempty"`
}

type Handler struct {
	mgr Manager
}

func NewHandler(mgr Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	s := r.Group("/session")
	{
		s.GET("", h.Get)
		s.POST("/login", h.Login)
		s.POST("/logout", h.Logout)
	}
}

func (h *Handler) Get(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.view())
}

func (h *Handler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, validator.FromBindError(err))
		return
	}

	if err := h.mgr.Login(c.Request.Context(), req.Identifier, req.Secret); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, h.view())
}

func (h *Handler) Logout(c *gin.Context) {
	h.mgr.Logout(c.Request.Context())
	httputil.RespondWithSuccess(c, h.view())
}

func (h *Handler) view() View {
	return View{State: h.mgr.State(), User: h.mgr.User()}
}
