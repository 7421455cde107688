package backend

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/syncqueue/internal/middleware"
	"github.com/jwalitptl/syncqueue/internal/model"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
	"github.com/jwalitptl/syncqueue/pkg/validator"
)

const SessionCookie = "sid"

type Handler struct {
	svc          *Service
	loginLimiter *middleware.RateLimiter
	sessionTTL   int
	secure       bool
}

func NewHandler(svc *Service, loginLimiter *middleware.RateLimiter, cfg Config) *Handler {
	return &Handler{
		svc:          svc,
		loginLimiter: loginLimiter,
		sessionTTL:   int(cfg.SessionTTL.Seconds()),
		secure:       cfg.SecureCookie,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	auth := r.Group("/auth")
	{
		auth.POST("/login", h.Login)
		auth.GET("/me", h.Me)
		auth.POST("/logout", h.Logout)
	}

	r.POST("/log-entry", middleware.Authenticate(h.svc), h.SubmitLogEntry)
}

func (h *Handler) Health(c *gin.Context) {
	httputil.RespondWithSuccess(c, gin.H{"status": "ok"})
}

func (h *Handler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, validator.FromBindError(err))
		return
	}

	if ok, retry := h.loginLimiter.Allow(req.Identifier); !ok {
		httputil.RespondWithError(c, apperrors.RateLimited(retry))
		return
	}

	sess, sid, err := h.svc.Login(c.Request.Context(), req.Identifier, req.Secret)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	h.setSessionCookie(c, sid, h.sessionTTL)
	httputil.RespondWithSuccess(c, sess)
}

// Me is the silent refresh: it trusts only the session cookie.
func (h *Handler) Me(c *gin.Context) {
	sid, _ := c.Cookie(SessionCookie)
	sess, err := h.svc.Refresh(sid)
	if err != nil {
		h.setSessionCookie(c, "", -1)
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, sess)
}

func (h *Handler) Logout(c *gin.Context) {
	sid, _ := c.Cookie(SessionCookie)
	h.svc.Logout(sid)
	h.setSessionCookie(c, "", -1)
	httputil.RespondWithSuccess(c, nil)
}

func (h *Handler) SubmitLogEntry(c *gin.Context) {
	var req model.LogEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, validator.FromBindError(err))
		return
	}

	receipt, err := h.svc.SubmitLogEntry(c.Request.Context(), c.GetString(middleware.ContextUserID), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, receipt)
}

func (h *Handler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookie, value, maxAge, "/", "", h.secure, true)
}
