package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"relay/internal/config"
	"relay/internal/observability"
	"relay/internal/server/app"
)

// NewRouter builds the gin engine with all endpoints wired.
func NewRouter(cfg config.Server, broadcaster *app.EventBroadcaster, tasks *app.TaskService, metrics *observability.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Cache-Control"}
	engine.Use(cors.New(corsConfig))

	sseHandler := NewSSEHandler(broadcaster)
	apiHandler := NewAPIHandler(broadcaster, tasks)

	engine.GET("/health", apiHandler.HandleHealth)
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := engine.Group("/api")
	{
		api.GET("/events/stream", sseHandler.HandleStream)
		api.POST("/events", apiHandler.HandleBroadcast)
		api.GET("/stats", apiHandler.HandleStats)

		api.GET("/sessions/:id/events", apiHandler.HandleSessionEvents)
		api.GET("/sessions/:id/task", apiHandler.HandleTaskStatus)
		api.DELETE("/sessions/:id/task", apiHandler.HandleTaskCancel)
		api.DELETE("/sessions/:id", apiHandler.HandleClearSession)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "not found"})
	})

	return engine
}
