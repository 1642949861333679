package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/core"
	"github.com/remote-agent-terminal/realtime/internal/ratelimit"
)

// NewRouter builds the HTTP surface: /health, /ws and the /api control routes.
func NewRouter(svc *core.Service, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log), corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	NewWebSocketHandler(svc.WebSocket).RegisterRoutes(r)

	api := r.Group("/api")
	protected := api.Group("", RequireAuth(svc.Auth), RateLimit(svc.Limiter, ratelimit.ClassAPI))

	NewAuthHandler(svc.Auth, svc.Limiter).RegisterRoutes(api, protected)
	NewWorkspaceHandler(svc.Workspaces, svc.Limiter).RegisterRoutes(protected)
	NewMessageHandler(svc.Queue, svc.Workspaces, svc.Limiter).RegisterRoutes(protected)
	NewAdminHandler(svc).RegisterRoutes(protected)

	return r
}
