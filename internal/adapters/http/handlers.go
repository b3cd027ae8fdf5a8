package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/salescall/internal/app/call"
	"github.com/dkeye/salescall/internal/app/orch"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller is the engine as the control surface sees it.
type Controller interface {
	Register(ctx context.Context, group, username, language string) (*domain.Identity, error)
	Logout(ctx context.Context) error
	CallUser(ctx context.Context, target string) (domain.CallID, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	HangUp(ctx context.Context) error
	State(ctx context.Context) (orch.State, error)
}

var _ Controller = (*orch.Orchestrator)(nil)

type RegisterRequest struct {
	Group    string `json:"group"`
	Username string `json:"username"`
	Language string `json:"language"`
}

type CallRequest struct {
	To string `json:"to"`
}

type StateResponse struct {
	orch.State
	// Remembered is the identity stored in the UI session cookie.
	Remembered *RegisterRequest `json:"remembered,omitempty"`
}

const (
	sessionGroup    = "group"
	sessionUsername = "username"
	sessionLanguage = "language"
)

type handlers struct {
	ctl     Controller
	limiter *ClientRateLimiter
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, call.ErrNotRegistered):
		return http.StatusPreconditionFailed
	case errors.Is(err, call.ErrNoTarget),
		errors.Is(err, domain.ErrInvalidGroup),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *handlers) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid body"})
		return
	}
	id, err := h.ctl.Register(c.Request.Context(), req.Group, req.Username, req.Language)
	if err != nil {
		fail(c, err)
		return
	}

	s := sessions.Default(c)
	s.Set(sessionGroup, string(id.Group))
	s.Set(sessionUsername, id.Username)
	s.Set(sessionLanguage, id.Language)
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
	c.JSON(http.StatusOK, id)
}

func (h *handlers) callUser(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow(c.GetString("client_token")) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many call attempts"})
		return
	}
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid to"})
		return
	}
	id, err := h.ctl.CallUser(c.Request.Context(), req.To)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": id})
}

func (h *handlers) simple(fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) logout(c *gin.Context) {
	if err := h.ctl.Logout(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	s := sessions.Default(c)
	s.Clear()
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session clear")
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) state(c *gin.Context) {
	st, err := h.ctl.State(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	resp := StateResponse{State: st}
	s := sessions.Default(c)
	if name, ok := s.Get(sessionUsername).(string); ok && name != "" {
		group, _ := s.Get(sessionGroup).(string)
		lang, _ := s.Get(sessionLanguage).(string)
		resp.Remembered = &RegisterRequest{Group: group, Username: name, Language: lang}
	}
	c.JSON(http.StatusOK, resp)
}
