package http

import (
	"context"
	"time"

	"github.com/dkeye/salescall/internal/config"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl Controller, hub *Hub, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("SalesCallSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctl: ctl, limiter: NewClientRateLimiter(5, 10*time.Second)}

	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")
	api.POST("/register", h.register)
	api.POST("/call", h.callUser)
	api.POST("/accept", h.simple(ctl.Accept))
	api.POST("/reject", h.simple(ctl.Reject))
	api.POST("/hangup", h.simple(ctl.HangUp))
	api.POST("/logout", h.logout)
	api.GET("/state", h.state)
	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		hub.HandleEvents(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Int("port", cfg.Port).Msg("router setup")
	return r
}
