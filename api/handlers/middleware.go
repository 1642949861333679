package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/ws"
)

// TokenValidator resolves a bearer token to a session.
type TokenValidator = ws.Authenticator

// RequireAuth rejects requests without a valid bearer token and stores the
// resolved session in the context.
func RequireAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ws.BearerToken(c.Request)
		if token == "" {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token")
			return
		}

		session, err := validator.ValidateToken(token)
		if err != nil {
			sendServiceError(c, err)
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// RateLimit applies the limiter class to every request, keyed by the
// authenticated user or, on public routes, the client IP.
func RateLimit(limiter ws.Limiter, class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := getUserID(c)
		if identifier == "" {
			identifier = "ip:" + c.ClientIP()
		}

		if err := limiter.Allow(identifier, class); err != nil {
			sendServiceError(c, err)
			return
		}
		c.Next()
	}
}

// RequirePermission rejects sessions lacking permission.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasPermission(getSession(c), permission) {
			sendError(c, http.StatusForbidden, "FORBIDDEN", "Missing permission "+permission)
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := log.Debug()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("user_id", getUserID(c)).
			Msg("request")
	}
}

// corsMiddleware returns a permissive CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
