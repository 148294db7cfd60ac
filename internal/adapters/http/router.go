// Package http exposes the orchestrator over a gin JSON API.
package http

import (
	"net/http"

	"github.com/dkeye/Teleroom/internal/app/orch"
	"github.com/dkeye/Teleroom/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SignalHandler serves the websocket relay endpoint.
type SignalHandler interface {
	HandleSignal(c *gin.Context)
}

func SetupRouter(cfg *config.Config, o *orch.Orchestrator, tokens TokenVerifier, sig SignalHandler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery(), MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		if err := o.Healthy(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if sig != nil {
		api.GET("/ws/signal", sig.HandleSignal)
	}

	h := &handlers{orch: o}
	authed := api.Group("", AuthMiddleware(tokens))
	h.registerOpen(authed)
	h.registerMedia(authed.Group("", MediaScope()))

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

// registerOpen holds the routes a waiting-room token may call.
func (h *handlers) registerOpen(g *gin.RouterGroup) {
	g.GET("/sessions/:id", h.getSession)
	g.POST("/sessions/:id/join", h.joinSession)
	g.POST("/sessions/:id/leave", h.leaveSession)
	g.GET("/me/sessions", h.mySessions)
}

func (h *handlers) registerMedia(g *gin.RouterGroup) {
	g.POST("/sessions", h.createSession)
	g.POST("/sessions/:id/end", h.endSession)
	g.PATCH("/sessions/:id/settings", h.updateSettings)
	g.GET("/sessions/:id/stats", h.sessionStats)
	g.GET("/sessions/:id/participants", h.listParticipants)
	g.POST("/sessions/:id/participants/:userId/disconnect", h.disconnectParticipant)
	g.GET("/contexts/:type/:contextId/sessions", h.contextSessions)

	g.POST("/sessions/:id/recording/start", h.startRecording)
	g.POST("/sessions/:id/recording/stop", h.stopRecording)
	g.GET("/sessions/:id/recordings", h.listRecordings)
	g.GET("/recordings/:recordingId", h.getRecording)
	g.DELETE("/recordings/:recordingId", h.deleteRecording)

	g.POST("/sessions/:id/chat", h.sendChat)
	g.GET("/sessions/:id/chat", h.chatHistory)

	g.GET("/sessions/:id/breakout-rooms", h.listBreakoutRooms)
	g.POST("/sessions/:id/breakout-rooms", h.createBreakoutRooms)
	g.POST("/sessions/:id/breakout-rooms/:roomId/join", h.joinBreakoutRoom)
	g.DELETE("/sessions/:id/breakout-rooms", h.endBreakoutRooms)

	g.GET("/sessions/:id/waiting-room", h.listWaiting)
	g.POST("/sessions/:id/waiting-room/:userId/admit", h.admit)
	g.POST("/sessions/:id/waiting-room/:userId/reject", h.reject)

	g.POST("/sessions/:id/transports/:transportId/connect", h.connectTransport)
	g.POST("/sessions/:id/produce", h.produce)
	g.POST("/sessions/:id/consume", h.consume)
	g.POST("/sessions/:id/consumers/:consumerId/resume", h.resumeConsumer)
}
