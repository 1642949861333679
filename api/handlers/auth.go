package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/model"
	"github.com/remote-agent-terminal/realtime/internal/ratelimit"
	"github.com/remote-agent-terminal/realtime/internal/ws"
)

// AuthHandler handles login, token and session management.
type AuthHandler struct {
	auth    *auth.Manager
	limiter ws.Limiter
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authManager *auth.Manager, limiter ws.Limiter) *AuthHandler {
	return &AuthHandler{auth: authManager, limiter: limiter}
}

// LoginRequest represents the request body for logging in.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the new session and its tokens.
type LoginResponse struct {
	Session      *model.Session     `json:"session"`
	AccessToken  *model.IssuedToken `json:"accessToken"`
	RefreshToken *model.IssuedToken `json:"refreshToken"`
}

// TokenRequest names a token in a request body.
type TokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// IssueTokenRequest selects the type of token to issue.
type IssueTokenRequest struct {
	Type model.TokenType `json:"type"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	// Throttled per username on top of the per-IP route limit.
	if err := h.limiter.Allow("user:"+req.Username, ratelimit.ClassAuth); err != nil {
		sendServiceError(c, err)
		return
	}

	session, access, err := h.auth.Login(req.Username, req.Password, model.TokenTypeAccess)
	if err != nil {
		sendServiceError(c, err)
		return
	}

	refresh, err := h.auth.IssueTokenForSession(session.ID, model.TokenTypeRefresh)
	if err != nil {
		sendServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Session: session, AccessToken: access, RefreshToken: refresh})
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	token, err := h.auth.Refresh(req.Token)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// Logout handles POST /api/auth/logout. It revokes the calling session and
// every token bound to it.
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.auth.RevokeSession(getSession(c).ID); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, getSession(c))
}

// Sessions handles GET /api/auth/sessions.
func (h *AuthHandler) Sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.auth.SessionsForUser(getUserID(c))})
}

// RevokeAll handles POST /api/auth/sessions/revoke-all.
func (h *AuthHandler) RevokeAll(c *gin.Context) {
	n := h.auth.RevokeAllSessionsForUser(getUserID(c))
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// IssueToken handles POST /api/auth/tokens. The token acts for the calling session.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		req.Type = model.TokenTypeAccess
	}
	switch req.Type {
	case model.TokenTypeAccess, model.TokenTypeRefresh, model.TokenTypeAgent:
	default:
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown token type "+string(req.Type))
		return
	}

	token, err := h.auth.IssueTokenForSession(getSession(c).ID, req.Type)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

// ValidateToken handles POST /api/auth/tokens/validate.
func (h *AuthHandler) ValidateToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	session, err := h.auth.ValidateToken(req.Token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "session": session})
}

// RevokeToken handles POST /api/auth/tokens/revoke. Users may revoke their
// own tokens; admins may revoke anyone's.
func (h *AuthHandler) RevokeToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	caller := getSession(c)
	if owner, err := h.auth.ValidateToken(req.Token); err == nil &&
		owner.UserID != caller.UserID && !auth.HasPermission(caller, model.PermissionAll) {
		sendServiceError(c, model.ErrPermissionDenied)
		return
	}

	if err := h.auth.RevokeToken(req.Token); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the auth routes. Login and refresh are public.
func (h *AuthHandler) RegisterRoutes(public, protected *gin.RouterGroup) {
	pub := public.Group("/auth", RateLimit(h.limiter, ratelimit.ClassAuth))
	{
		pub.POST("/login", h.Login)
		pub.POST("/refresh", h.Refresh)
	}

	authed := protected.Group("/auth")
	{
		authed.POST("/logout", h.Logout)
		authed.GET("/me", h.Me)
		authed.GET("/sessions", h.Sessions)
		authed.POST("/sessions/revoke-all", h.RevokeAll)
		authed.POST("/tokens", h.IssueToken)
		authed.POST("/tokens/validate", h.ValidateToken)
		authed.POST("/tokens/revoke", h.RevokeToken)
	}
}
