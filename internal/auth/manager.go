// Package auth owns users, sessions and bearer tokens.
//
// Sessions expire lazily: a lookup past ExpiresAt revokes the session and
// reports it as not found. Tokens are validated independently of their session
// and only a BLAKE3 digest of each issued token is kept.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

const (
	DefaultSessionTTL = 8 * time.Hour
	DefaultTokenTTL   = 24 * time.Hour
)

// RolePermissions is the permission set granted by each built-in role.
var RolePermissions = map[string][]string{
	model.RoleAdmin:  {model.PermissionAll},
	model.RoleMember: {model.PermissionWorkspaceView, model.PermissionWorkspaceEdit, model.PermissionMessageSend, model.PermissionAgentRun},
	model.RoleViewer: {model.PermissionWorkspaceView},
	model.RoleAgent:  {model.PermissionMessageSend, model.PermissionAgentUpdate},
}

// Config holds configuration for the auth manager.
type Config struct {
	SessionTTL time.Duration
	TokenTTL   time.Duration
	BcryptCost int
}

// Stats is a snapshot of auth manager counters.
type Stats struct {
	Users          int `json:"users"`
	ActiveSessions int `json:"activeSessions"`
	Tokens         int `json:"tokens"`
	RevokedTokens  int `json:"revokedTokens"`
}

// Manager manages users, sessions and tokens.
type Manager struct {
	log        zerolog.Logger
	signer     Signer
	hasher     *PasswordHasher
	now        func() time.Time
	sessionTTL time.Duration
	tokenTTL   time.Duration

	mu           sync.Mutex
	users        map[string]*model.User
	usernames    map[string]string
	sessions     map[string]*model.Session
	userSessions map[string]map[string]struct{}
	tokens       map[string]*model.TokenRecord
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new auth manager.
func NewManager(signer Signer, log zerolog.Logger, config Config, opts ...Option) *Manager {
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultTokenTTL
	}

	m := &Manager{
		log:          log,
		signer:       signer,
		hasher:       NewPasswordHasher(config.BcryptCost),
		now:          time.Now,
		sessionTTL:   config.SessionTTL,
		tokenTTL:     config.TokenTTL,
		users:        make(map[string]*model.User),
		usernames:    make(map[string]string),
		sessions:     make(map[string]*model.Session),
		userSessions: make(map[string]map[string]struct{}),
		tokens:       make(map[string]*model.TokenRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HashPassword hashes password with the manager's bcrypt cost.
func (m *Manager) HashPassword(password string) (string, error) {
	return m.hasher.Hash(password)
}

// VerifyPassword reports whether password matches hash.
func (m *Manager) VerifyPassword(password, hash string) bool {
	return m.hasher.Verify(password, hash)
}

// RegisterUser adds a user to the directory.
func (m *Manager) RegisterUser(username, password string, roles []string, permissions ...string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", model.ErrInvalidArgument)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", model.ErrInvalidArgument)
	}

	hash, err := m.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Roles:        slices.Clone(roles),
		Permissions:  slices.Clone(permissions),
		CreatedAt:    m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usernames[username]; exists {
		return nil, fmt.Errorf("%w: %s", model.ErrUserExists, username)
	}
	m.users[user.ID] = user
	m.usernames[username] = user.ID

	m.log.Info().Str("user_id", user.ID).Str("username", username).Strs("roles", roles).Msg("user registered")
	return cloneUser(user), nil
}

// UserByID returns the user with id.
func (m *Manager) UserByID(id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return cloneUser(user), nil
}

// UserByUsername returns the user registered as username.
func (m *Manager) UserByUsername(username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

// Authenticate checks credentials and returns the matching user. It does not
// create a session; unknown users and wrong passwords are indistinguishable.
func (m *Manager) Authenticate(username, password string) (*model.User, error) {
	m.mu.Lock()
	var user *model.User
	if id, ok := m.usernames[username]; ok {
		user = cloneUser(m.users[id])
	}
	m.mu.Unlock()

	if user == nil || !m.hasher.Verify(password, user.PasswordHash) {
		m.log.Warn().Str("username", username).Msg("authentication failed")
		return nil, model.ErrAuthenticationFailed
	}
	return user, nil
}

// Login authenticates, opens a session and issues a token bound to it.
func (m *Manager) Login(username, password string, tokenType model.TokenType) (*model.Session, *model.IssuedToken, error) {
	user, err := m.Authenticate(username, password)
	if err != nil {
		return nil, nil, err
	}

	session, err := m.CreateSession(user)
	if err != nil {
		return nil, nil, err
	}

	token, err := m.IssueTokenForSession(session.ID, tokenType)
	if err != nil {
		return nil, nil, err
	}
	return session, token, nil
}

// CreateSession opens a session for user that expires after the session TTL.
func (m *Manager) CreateSession(user *model.User) (*model.Session, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("%w: user is required", model.ErrInvalidArgument)
	}

	now := m.now()
	expires := now.Add(m.sessionTTL)
	session := &model.Session{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Username:     user.Username,
		Roles:        slices.Clone(user.Roles),
		Permissions:  resolvePermissions(user.Roles, user.Permissions),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    &expires,
		Active:       true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.ID] = session
	ids, ok := m.userSessions[user.ID]
	if !ok {
		ids = make(map[string]struct{})
		m.userSessions[user.ID] = ids
	}
	ids[session.ID] = struct{}{}

	m.log.Info().Str("session_id", session.ID).Str("user_id", user.ID).Time("expires_at", expires).Msg("session created")
	return session.Clone(), nil
}

// GetSession returns the session with id and refreshes its last activity.
// Expired sessions are revoked on lookup and reported as not found.
func (m *Manager) GetSession(id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.liveSessionLocked(id)
	if err != nil {
		return nil, err
	}
	session.LastActivity = m.now()
	return session.Clone(), nil
}

// RevokeSession ends a session and revokes the tokens bound to it.
func (m *Manager) RevokeSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return model.ErrSessionNotFound
	}
	m.removeSessionLocked(id)
	m.log.Info().Str("session_id", id).Msg("session revoked")
	return nil
}

// RevokeAllSessionsForUser ends every session of userID and returns how many were revoked.
func (m *Manager) RevokeAllSessionsForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.userSessions[userID]
	count := 0
	for id := range ids {
		m.removeSessionLocked(id)
		count++
	}

	if count > 0 {
		m.log.Info().Str("user_id", userID).Int("count", count).Msg("all sessions revoked")
	}
	return count
}

// SessionsForUser returns the live sessions of userID, newest first.
func (m *Manager) SessionsForUser(userID string) []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Session
	for id := range m.userSessions[userID] {
		if s, err := m.liveSessionLocked(id); err == nil {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// IssueToken issues a token of tokenType for userID that is not bound to a session.
// Validation resolves it to the user's most recent active session.
func (m *Manager) IssueToken(userID string, tokenType model.TokenType) (*model.IssuedToken, error) {
	m.mu.Lock()
	_, ok := m.users[userID]
	m.mu.Unlock()
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return m.issue(userID, "", tokenType)
}

// IssueTokenForSession issues a token bound to sessionID.
func (m *Manager) IssueTokenForSession(sessionID string, tokenType model.TokenType) (*model.IssuedToken, error) {
	m.mu.Lock()
	session, err := m.liveSessionLocked(sessionID)
	var userID string
	if err == nil {
		userID = session.UserID
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.issue(userID, sessionID, tokenType)
}

func (m *Manager) issue(userID, sessionID string, tokenType model.TokenType) (*model.IssuedToken, error) {
	if tokenType == "" {
		tokenType = model.TokenTypeAccess
	}

	now := m.now()
	claims := Claims{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		Type:      tokenType,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.tokenTTL),
	}

	token, err := m.signer.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	record := &model.TokenRecord{
		ID:        claims.ID,
		Digest:    digest(token),
		UserID:    userID,
		SessionID: sessionID,
		Type:      tokenType,
		IssuedAt:  now,
		ExpiresAt: claims.ExpiresAt,
	}

	m.mu.Lock()
	m.tokens[record.Digest] = record
	m.mu.Unlock()

	m.log.Debug().Str("token_id", record.ID).Str("user_id", userID).Str("type", string(tokenType)).Msg("token issued")
	return &model.IssuedToken{Token: token, Type: tokenType, ExpiresAt: record.ExpiresAt}, nil
}

// ValidateToken verifies token and resolves the session it acts for: the bound
// session when the token carries one, otherwise the user's most recent active
// session. Every failure is reported as model.ErrAuthenticationFailed.
func (m *Manager) ValidateToken(token string) (*model.Session, error) {
	claims, err := m.signer.Verify(token)
	if err != nil {
		return nil, model.ErrAuthenticationFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.tokens[digest(token)]
	if !ok || record.Revoked || !m.now().Before(record.ExpiresAt) || record.UserID != claims.UserID {
		return nil, model.ErrAuthenticationFailed
	}

	var session *model.Session
	if record.SessionID != "" {
		session, err = m.liveSessionLocked(record.SessionID)
	} else {
		session, err = m.latestSessionLocked(record.UserID)
	}
	if err != nil {
		return nil, model.ErrAuthenticationFailed
	}

	session.LastActivity = m.now()
	return session.Clone(), nil
}

// Refresh exchanges a valid refresh token for a new access token acting for the same session.
func (m *Manager) Refresh(refreshToken string) (*model.IssuedToken, error) {
	claims, err := m.signer.Verify(refreshToken)
	if err != nil || claims.Type != model.TokenTypeRefresh {
		return nil, model.ErrAuthenticationFailed
	}

	session, err := m.ValidateToken(refreshToken)
	if err != nil {
		return nil, err
	}

	if claims.SessionID != "" {
		return m.issue(session.UserID, session.ID, model.TokenTypeAccess)
	}
	return m.issue(session.UserID, "", model.TokenTypeAccess)
}

// RevokeToken marks token as revoked.
func (m *Manager) RevokeToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.tokens[digest(token)]
	if !ok {
		return model.ErrTokenNotFound
	}
	record.Revoked = true
	m.log.Info().Str("token_id", record.ID).Msg("token revoked")
	return nil
}

// CheckPermission reports whether the live session sessionID holds permission.
func (m *Manager) CheckPermission(sessionID, permission string) bool {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return false
	}
	return HasPermission(session, permission)
}

// CheckRole reports whether the live session sessionID carries role.
func (m *Manager) CheckRole(sessionID, role string) bool {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return false
	}
	return session.HasRole(role)
}

// HasPermission reports whether session holds permission, directly or through the wildcard.
func HasPermission(session *model.Session, permission string) bool {
	if session == nil || !session.Active {
		return false
	}
	return slices.Contains(session.Permissions, model.PermissionAll) ||
		slices.Contains(session.Permissions, permission)
}

// CleanupExpiredSessions removes expired and inactive sessions and returns how many were removed.
func (m *Manager) CleanupExpiredSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if !s.Active || s.Expired(now) {
			m.removeSessionLocked(id)
			removed++
		}
	}

	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("expired sessions cleaned up")
	}
	return removed
}

// CleanupExpiredTokens drops records of expired and revoked tokens and returns how many were removed.
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for d, rec := range m.tokens {
		if rec.Revoked || !now.Before(rec.ExpiresAt) {
			delete(m.tokens, d)
			removed++
		}
	}

	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("expired tokens cleaned up")
	}
	return removed
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := Stats{Users: len(m.users), Tokens: len(m.tokens)}
	for _, s := range m.sessions {
		if s.Active && !s.Expired(now) {
			st.ActiveSessions++
		}
	}
	for _, rec := range m.tokens {
		if rec.Revoked {
			st.RevokedTokens++
		}
	}
	return st
}

// liveSessionLocked returns the stored session if it is active and unexpired,
// revoking it first when it has expired. Caller must hold m.mu.
func (m *Manager) liveSessionLocked(id string) (*model.Session, error) {
	session, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if !session.Active || session.Expired(m.now()) {
		m.removeSessionLocked(id)
		m.log.Debug().Str("session_id", id).Msg("expired session revoked on lookup")
		return nil, model.ErrSessionNotFound
	}
	return session, nil
}

func (m *Manager) latestSessionLocked(userID string) (*model.Session, error) {
	var latest *model.Session
	for id := range m.userSessions[userID] {
		s, err := m.liveSessionLocked(id)
		if err != nil {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, model.ErrSessionNotFound
	}
	return latest, nil
}

// removeSessionLocked deletes a session, its reverse index entry and the tokens bound to it.
func (m *Manager) removeSessionLocked(id string) {
	session, ok := m.sessions[id]
	if !ok {
		return
	}
	session.Active = false
	delete(m.sessions, id)

	if ids, ok := m.userSessions[session.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.userSessions, session.UserID)
		}
	}

	for _, rec := range m.tokens {
		if rec.SessionID == id {
			rec.Revoked = true
		}
	}
}

func resolvePermissions(roles, explicit []string) []string {
	var perms []string
	for _, role := range roles {
		for _, p := range RolePermissions[role] {
			if !slices.Contains(perms, p) {
				perms = append(perms, p)
			}
		}
	}
	for _, p := range explicit {
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	return perms
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.Permissions = slices.Clone(u.Permissions)
	return &c
}

// digest is the key under which a token's record is stored.
func digest(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsAuthError reports whether err is an authentication or permission failure.
func IsAuthError(err error) bool {
	return errors.Is(err, model.ErrAuthenticationFailed) || errors.Is(err, model.ErrPermissionDenied)
}
