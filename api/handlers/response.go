// Package handlers provides the HTTP control API and the websocket attach route.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/core"
	"github.com/remote-agent-terminal/realtime/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const sessionKey = "session"

// getSession returns the session set by RequireAuth.
func getSession(c *gin.Context) *model.Session {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(*model.Session); ok {
			return s
		}
	}
	return nil
}

// getUserID returns the authenticated user, or "" on public routes.
func getUserID(c *gin.Context) string {
	if s := getSession(c); s != nil {
		return s.UserID
	}
	return ""
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	sendErrorDetails(c, statusCode, code, message, nil)
}

func sendErrorDetails(c *gin.Context, statusCode int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// sendServiceError maps a component error onto a status code and error code.
func sendServiceError(c *gin.Context, err error) {
	var rl *model.RateLimitError
	switch {
	case errors.As(err, &rl):
		retry := int(time.Until(rl.BlockedUntil).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		sendErrorDetails(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded", map[string]any{
			"class":        rl.Class,
			"blockedUntil": rl.BlockedUntil.UTC().Format(time.RFC3339),
		})
	case auth.IsAuthError(err):
		if errors.Is(err, model.ErrPermissionDenied) {
			sendError(c, http.StatusForbidden, "FORBIDDEN", "Permission denied")
			return
		}
		// Expired, revoked and unknown credentials look the same to the caller.
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication failed")
	case errors.Is(err, model.ErrNotFound):
		sendError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrWorkspaceExists), errors.Is(err, model.ErrUserExists):
		sendError(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, model.ErrHandlerMissing):
		sendError(c, http.StatusBadRequest, "UNKNOWN_TYPE", err.Error())
	case errors.Is(err, model.ErrInvalidArgument):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, core.ErrSnapshotsDisabled):
		sendError(c, http.StatusConflict, "SNAPSHOTS_DISABLED", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// queryLimit parses ?limit=, falling back to def.
func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
