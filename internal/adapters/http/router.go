package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/adapters/ws"
	"github.com/jeongdon-heo/story-together/internal/config"
	"github.com/jeongdon-heo/story-together/internal/domain"
	"github.com/jeongdon-heo/story-together/internal/session"
)

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter mounts the websocket endpoint and the REST mirror an LMS can
// drive sessions through.
func SetupRouter(ctx context.Context, cfg *config.Config, sessionsMgr *session.Manager, hub *ws.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("StorySessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	ctl := ws.NewController(sessionsMgr, hub, cfg.ReadLimit)
	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		ctl.HandleWS(ctx, c)
	})

	api.POST("/stories/:id/relay/start", func(c *gin.Context) {
		var body struct {
			SessionID   string `json:"sessionId" binding:"required"`
			TurnSeconds int    `json:"turnSeconds"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := sessionsMgr.StartRelay(c.Request.Context(), domain.StoryID(c.Param("id")), body.SessionID, body.TurnSeconds)
		respond(c, err)
	})

	api.POST("/stories/:id/branch/start", func(c *gin.Context) {
		var body struct {
			SessionID string `json:"sessionId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := sessionsMgr.StartBranch(c.Request.Context(), domain.StoryID(c.Param("id")), body.SessionID)
		respond(c, err)
	})

	api.POST("/stories/:id/finish", func(c *gin.Context) {
		var body struct {
			UserID string `json:"userId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := sessionsMgr.Finish(c.Request.Context(), domain.StoryID(c.Param("id")), domain.UserID(body.UserID))
		respond(c, err)
	})

	api.GET("/stories/:id/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": sessionsMgr.Roster(domain.StoryID(c.Param("id")))})
	})

	return r
}

// respond maps orchestrator errors to status codes; every transport sees
// the same error returns.
func respond(c *gin.Context, err error) {
	switch {
	case err == nil, errors.Is(err, session.ErrSessionExists):
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, session.ErrNotYourTurn), errors.Is(err, session.ErrWrongPhase):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": true})
	}
}
