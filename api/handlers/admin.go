package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/core"
	"github.com/remote-agent-terminal/realtime/internal/model"
)

// AdminHandler exposes rate limit controls, statistics and maintenance.
type AdminHandler struct {
	svc *core.Service
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(svc *core.Service) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// RateLimitStatus handles GET /api/ratelimit/:class for the caller, or
// GET /api/ratelimit/:class/:identifier for rate limit admins.
func (h *AdminHandler) RateLimitStatus(c *gin.Context) {
	identifier := c.Param("identifier")
	if identifier == "" {
		identifier = getUserID(c)
	} else if identifier != getUserID(c) && !auth.HasPermission(getSession(c), model.PermissionRateLimitAdmin) {
		sendServiceError(c, model.ErrPermissionDenied)
		return
	}

	class := c.Param("class")
	if _, ok := h.svc.Limiter.Policy(class); !ok {
		sendError(c, http.StatusNotFound, "NOT_FOUND", "Unknown traffic class "+class)
		return
	}
	c.JSON(http.StatusOK, h.svc.Limiter.Status(identifier, class))
}

// RateLimitReset handles DELETE /api/ratelimit/:class/:identifier.
func (h *AdminHandler) RateLimitReset(c *gin.Context) {
	h.svc.Limiter.Reset(c.Param("identifier"), c.Param("class"))
	c.Status(http.StatusNoContent)
}

// RateLimitStats handles GET /api/ratelimit.
func (h *AdminHandler) RateLimitStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Limiter.Stats())
}

// Stats handles GET /api/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

// Connections handles GET /api/connections.
func (h *AdminHandler) Connections(c *gin.Context) {
	conns := h.svc.Registry.List()
	c.JSON(http.StatusOK, gin.H{"connections": conns, "total": len(conns)})
}

// Sweep handles POST /api/maintenance/sweep.
func (h *AdminHandler) Sweep(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Sweep())
}

// Snapshot handles POST /api/maintenance/snapshot.
func (h *AdminHandler) Snapshot(c *gin.Context) {
	info, err := h.svc.Snapshot(c.Request.Context())
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// RegisterRoutes registers the admin routes on a Gin router group.
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.Stats)

	rl := rg.Group("/ratelimit")
	{
		rl.GET("", RequirePermission(model.PermissionRateLimitAdmin), h.RateLimitStats)
		rl.GET("/:class", h.RateLimitStatus)
		rl.GET("/:class/:identifier", h.RateLimitStatus)
		rl.DELETE("/:class/:identifier", RequirePermission(model.PermissionRateLimitAdmin), h.RateLimitReset)
	}

	admin := rg.Group("", RequirePermission(model.PermissionAll))
	{
		admin.GET("/connections", h.Connections)
		admin.POST("/maintenance/sweep", h.Sweep)
		admin.POST("/maintenance/snapshot", h.Snapshot)
	}
}
