package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/model"
	"github.com/remote-agent-terminal/realtime/internal/queue"
	"github.com/remote-agent-terminal/realtime/internal/workspace"
	"github.com/remote-agent-terminal/realtime/internal/ws"
)

const defaultHistoryLimit = 100

// MessageHandler enqueues messages and reports queue status.
type MessageHandler struct {
	queue      *queue.Queue
	workspaces *workspace.Manager
	limiter    ws.Limiter
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(q *queue.Queue, workspaces *workspace.Manager, limiter ws.Limiter) *MessageHandler {
	return &MessageHandler{queue: q, workspaces: workspaces, limiter: limiter}
}

// EnqueueRequest represents the request body for enqueueing a message.
type EnqueueRequest struct {
	Type         model.MessageType `json:"type" binding:"required"`
	Priority     string            `json:"priority"`
	MaxRetries   *int              `json:"max_retries"`
	WorkspaceID  string            `json:"workspace_id"`
	TargetUserID string            `json:"target_user_id"`
	AgentID      string            `json:"agent_id"`
	Topic        string            `json:"topic"`
	Data         json.RawMessage   `json:"data"`
}

// EnqueueResponse reports the id of the accepted message. Evicted is set
// when admitting it pushed an older message out of a full queue.
type EnqueueResponse struct {
	MessageID string `json:"messageId"`
	Evicted   bool   `json:"evicted,omitempty"`
}

// Enqueue handles POST /api/messages. It runs the same checks as the
// websocket pipeline: known type, rate limit, permission, workspace membership.
func (h *MessageHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if !h.queue.HasHandler(req.Type) {
		sendError(c, http.StatusBadRequest, "UNKNOWN_TYPE", "Unknown message type "+string(req.Type))
		return
	}

	session := getSession(c)
	if err := h.limiter.Allow(session.UserID, ws.TrafficClass(req.Type)); err != nil {
		sendServiceError(c, err)
		return
	}
	if perm := ws.RequiredPermission(req.Type); perm != "" && !auth.HasPermission(session, perm) {
		sendServiceError(c, model.ErrPermissionDenied)
		return
	}
	if req.WorkspaceID != "" && !h.workspaces.IsMember(req.WorkspaceID, session.UserID) {
		sendServiceError(c, model.ErrPermissionDenied)
		return
	}

	priority, ok := model.ParsePriority(req.Priority)
	if !ok {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid priority "+req.Priority)
		return
	}
	opts := []queue.EnqueueOption{queue.WithMetadata(map[string]string{
		"source":  "api",
		"user_id": session.UserID,
	})}
	if req.Priority != "" {
		opts = append(opts, queue.WithPriority(priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.queue.Enqueue(req.Type, model.EventPayload{
		SenderID:     session.UserID,
		WorkspaceID:  req.WorkspaceID,
		TargetUserID: req.TargetUserID,
		AgentID:      req.AgentID,
		Topic:        req.Topic,
		Data:         req.Data,
	}, opts...)
	evicted := errors.Is(err, model.ErrQueueCapacityExceeded)
	if err != nil && !evicted {
		sendServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, EnqueueResponse{MessageID: id, Evicted: evicted})
}

// Get handles GET /api/messages/:id.
func (h *MessageHandler) Get(c *gin.Context) {
	msg, err := h.queue.Status(c.Param("id"))
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Status handles GET /api/queue.
func (h *MessageHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.QueueStatus())
}

// Failed handles GET /api/queue/failed?limit=.
func (h *MessageHandler) Failed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.queue.Failed(queryLimit(c, defaultHistoryLimit))})
}

// Completed handles GET /api/queue/completed?limit=.
func (h *MessageHandler) Completed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.queue.Completed(queryLimit(c, defaultHistoryLimit))})
}

// RegisterRoutes registers the message and queue routes on a Gin router group.
func (h *MessageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/messages", h.Enqueue)
	rg.GET("/messages/:id", h.Get)
	rg.GET("/queue", h.Status)
	rg.GET("/queue/failed", h.Failed)
	rg.GET("/queue/completed", h.Completed)
}
