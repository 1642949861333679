package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/model"
	"github.com/remote-agent-terminal/realtime/internal/ratelimit"
	"github.com/remote-agent-terminal/realtime/internal/workspace"
	"github.com/remote-agent-terminal/realtime/internal/ws"
)

const defaultActivityLimit = 50

// WorkspaceHandler handles HTTP requests for workspace management.
type WorkspaceHandler struct {
	workspaces *workspace.Manager
	limiter    ws.Limiter
}

// NewWorkspaceHandler creates a new WorkspaceHandler.
func NewWorkspaceHandler(workspaces *workspace.Manager, limiter ws.Limiter) *WorkspaceHandler {
	return &WorkspaceHandler{workspaces: workspaces, limiter: limiter}
}

// CreateWorkspaceRequest represents the request body for creating a workspace.
type CreateWorkspaceRequest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	Settings    map[string]any `json:"settings"`
}

// AgentRequest names an agent to attach.
type AgentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func isWorkspaceAdmin(s *model.Session) bool {
	return auth.HasPermission(s, model.PermissionWorkspaceAdmin)
}

// authorize loads the caller's permissions on the workspace in the path and
// aborts unless allow accepts them. Workspace admins pass every check.
func (h *WorkspaceHandler) authorize(c *gin.Context, allow func(model.WorkspacePermissions) bool) (string, bool) {
	id := c.Param("id")
	perms, err := h.workspaces.Permissions(id, getUserID(c))
	if err != nil {
		sendServiceError(c, err)
		return "", false
	}
	if !allow(perms) && !isWorkspaceAdmin(getSession(c)) {
		sendServiceError(c, model.ErrPermissionDenied)
		return "", false
	}
	return id, true
}

// throttle charges one workspace_update against the caller.
func (h *WorkspaceHandler) throttle(c *gin.Context) bool {
	if err := h.limiter.Allow(getUserID(c), ratelimit.ClassWorkspaceUpdate); err != nil {
		sendServiceError(c, err)
		return false
	}
	return true
}

func canView(p model.WorkspacePermissions) bool         { return p.CanView }
func canEdit(p model.WorkspacePermissions) bool         { return p.CanEdit }
func canDelete(p model.WorkspacePermissions) bool       { return p.CanDelete }
func canManageAgents(p model.WorkspacePermissions) bool { return p.CanManageAgents }

// List handles GET /api/workspaces. With ?q= it searches by name and
// description; results are limited to workspaces the caller belongs to
// unless the caller is a workspace admin.
func (h *WorkspaceHandler) List(c *gin.Context) {
	session := getSession(c)

	var list []*model.Workspace
	switch q := c.Query("q"); {
	case q != "":
		for _, w := range h.workspaces.Search(q) {
			if isWorkspaceAdmin(session) || h.workspaces.IsMember(w.ID, session.UserID) {
				list = append(list, w)
			}
		}
	case isWorkspaceAdmin(session):
		list = h.workspaces.List()
	default:
		list = h.workspaces.ListForUser(session.UserID)
	}

	if list == nil {
		list = []*model.Workspace{}
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list, "total": len(list)})
}

// Create handles POST /api/workspaces.
func (h *WorkspaceHandler) Create(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if !h.throttle(c) {
		return
	}

	created, err := h.workspaces.Create(model.Workspace{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   getUserID(c),
		Settings:    req.Settings,
		Active:      true,
	})
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Get handles GET /api/workspaces/:id.
func (h *WorkspaceHandler) Get(c *gin.Context) {
	id, ok := h.authorize(c, canView)
	if !ok {
		return
	}
	w, err := h.workspaces.Get(id)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Update handles PATCH /api/workspaces/:id.
func (h *WorkspaceHandler) Update(c *gin.Context) {
	id, ok := h.authorize(c, canEdit)
	if !ok {
		return
	}

	var upd model.WorkspaceUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if !h.throttle(c) {
		return
	}

	w, err := h.workspaces.Update(id, getUserID(c), upd)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Delete handles DELETE /api/workspaces/:id.
func (h *WorkspaceHandler) Delete(c *gin.Context) {
	id, ok := h.authorize(c, canDelete)
	if !ok {
		return
	}
	if err := h.workspaces.Delete(id, getUserID(c)); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Join handles POST /api/workspaces/:id/join. Joining twice is a no-op.
func (h *WorkspaceHandler) Join(c *gin.Context) {
	if !h.throttle(c) {
		return
	}
	if err := h.workspaces.Join(c.Param("id"), getUserID(c)); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Leave handles POST /api/workspaces/:id/leave. Leaving as a non-member is a no-op.
func (h *WorkspaceHandler) Leave(c *gin.Context) {
	if !h.throttle(c) {
		return
	}
	if err := h.workspaces.Leave(c.Param("id"), getUserID(c)); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Members handles GET /api/workspaces/:id/members.
func (h *WorkspaceHandler) Members(c *gin.Context) {
	id, ok := h.authorize(c, canView)
	if !ok {
		return
	}
	members, err := h.workspaces.Members(id)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// AddAgent handles POST /api/workspaces/:id/agents.
func (h *WorkspaceHandler) AddAgent(c *gin.Context) {
	id, ok := h.authorize(c, canManageAgents)
	if !ok {
		return
	}

	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if !h.throttle(c) {
		return
	}

	if err := h.workspaces.AddAgent(id, req.AgentID, getUserID(c)); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveAgent handles DELETE /api/workspaces/:id/agents/:agentId.
func (h *WorkspaceHandler) RemoveAgent(c *gin.Context) {
	id, ok := h.authorize(c, canManageAgents)
	if !ok {
		return
	}
	if !h.throttle(c) {
		return
	}
	if err := h.workspaces.RemoveAgent(id, c.Param("agentId"), getUserID(c)); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Activity handles GET /api/workspaces/:id/activity?limit=.
func (h *WorkspaceHandler) Activity(c *gin.Context) {
	id, ok := h.authorize(c, canView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": h.workspaces.Activity(id, queryLimit(c, defaultActivityLimit))})
}

// Permissions handles GET /api/workspaces/:id/permissions. Workspace admins
// may ask about another user with ?user_id=.
func (h *WorkspaceHandler) Permissions(c *gin.Context) {
	userID := getUserID(c)
	if other := c.Query("user_id"); other != "" && other != userID {
		if !isWorkspaceAdmin(getSession(c)) {
			sendServiceError(c, model.ErrPermissionDenied)
			return
		}
		userID = other
	}

	perms, err := h.workspaces.Permissions(c.Param("id"), userID)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

// Stats handles GET /api/workspaces/stats.
func (h *WorkspaceHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.workspaces.Statistics())
}

// RegisterRoutes registers the workspace routes on a Gin router group.
func (h *WorkspaceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	workspaces := rg.Group("/workspaces", RequirePermission(model.PermissionWorkspaceView))
	{
		workspaces.GET("", h.List)
		workspaces.POST("", RequirePermission(model.PermissionWorkspaceEdit), h.Create)
		workspaces.GET("/stats", h.Stats)
		workspaces.GET("/:id", h.Get)
		workspaces.PATCH("/:id", h.Update)
		workspaces.DELETE("/:id", h.Delete)
		workspaces.POST("/:id/join", h.Join)
		workspaces.POST("/:id/leave", h.Leave)
		workspaces.GET("/:id/members", h.Members)
		workspaces.POST("/:id/agents", h.AddAgent)
		workspaces.DELETE("/:id/agents/:agentId", h.RemoveAgent)
		workspaces.GET("/:id/activity", h.Activity)
		workspaces.GET("/:id/permissions", h.Permissions)
	}
}
