package api

import (
	"github.com/gin-gonic/gin"

	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/run"
	"github.com/acp2/acp2/internal/session"
	"github.com/acp2/acp2/internal/session/store"
)

// SetupRoutes configures the bridge API routes.
func SetupRoutes(router *gin.RouterGroup, runs *run.Manager, sessions *session.Manager, st store.Store, reg *registry.Registry, log *logger.Logger) {
	handler := NewHandler(runs, sessions, st, reg, log)

	router.GET("/ping", handler.Ping)

	// Agent catalog routes
	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/:name", handler.GetAgent)
	}

	// Run routes
	runsGroup := router.Group("/runs")
	{
		runsGroup.POST("", handler.CreateRun)
		runsGroup.GET("/:runId", handler.GetRun)
		runsGroup.POST("/:runId/cancel", handler.CancelRun)
	}

	// Session routes
	sessionsGroup := router.Group("/sessions")
	{
		sessionsGroup.GET("", handler.ListSessions)
		sessionsGroup.GET("/:sessionId", handler.GetSession)
		sessionsGroup.DELETE("/:sessionId", handler.DeleteSession)
	}
}
