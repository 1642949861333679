package model

import (
	"slices"
	"time"
)

// Role names understood by the role-permission table in the auth package.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
	RoleAgent  = "agent"
)

// Permission names checked by collaborators.
const (
	PermissionAll            = "*"
	PermissionWorkspaceView  = "workspace.view"
	PermissionWorkspaceEdit  = "workspace.edit"
	PermissionWorkspaceAdmin = "workspace.admin"
	PermissionMessageSend    = "message.send"
	PermissionBroadcast      = "message.broadcast"
	PermissionAgentRun       = "agent.run"
	PermissionAgentUpdate    = "agent.update"
	PermissionRateLimitAdmin = "ratelimit.admin"
)

// User is a principal known to the auth manager.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Session represents an authenticated login.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Username     string     `json:"username"`
	Roles        []string   `json:"roles"`
	Permissions  []string   `json:"permissions"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Active       bool       `json:"active"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// HasRole reports whether the session carries role.
func (s *Session) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

// Clone returns a deep copy safe to hand out of a locked store.
func (s *Session) Clone() *Session {
	c := *s
	c.Roles = slices.Clone(s.Roles)
	c.Permissions = slices.Clone(s.Permissions)
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// TokenType distinguishes token purposes.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeAgent   TokenType = "agent"
)

// TokenRecord is the bookkeeping kept for an issued token. The token string
// itself is not retained, only its digest.
type TokenRecord struct {
	ID        string    `json:"id"`
	Digest    string    `json:"-"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Type      TokenType `json:"type"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// IssuedToken is returned to callers when a token is created.
type IssuedToken struct {
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	ExpiresAt time.Time `json:"expiresAt"`
}
