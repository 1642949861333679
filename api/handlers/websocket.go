package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler attaches websocket connections to the realtime core.
type WebSocketHandler struct {
	wsHandler http.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler http.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Attach handles GET /ws. Authentication happens in the websocket handler
// before the upgrade, from ?token= or a bearer Authorization header.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	h.wsHandler.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket handler routes.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
