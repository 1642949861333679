package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

const testSecret = "test-signing-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestManager(t *testing.T, config Config) (*Manager, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Now().Truncate(time.Second)}
	signer, err := NewJWTSigner(testSecret, WithIssuer("realtime-test"), WithSignerClock(clock.Now))
	require.NoError(t, err)

	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.MinCost
	}
	return NewManager(signer, zerolog.Nop(), config, WithClock(clock.Now)), clock
}

func registerAlice(t *testing.T, m *Manager) *model.User {
	t.Helper()
	user, err := m.RegisterUser("alice", "s3cret", []string{model.RoleMember})
	require.NoError(t, err)
	return user
}

func TestNewJWTSigner_RequiresSecret(t *testing.T) {
	_, err := NewJWTSigner("")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestJWTSigner_RoundTrip(t *testing.T) {
	signer, err := NewJWTSigner(testSecret, WithIssuer("iss"))
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	token, err := signer.Sign(Claims{
		UserID:    "u1",
		SessionID: "s1",
		Type:      model.TokenTypeAgent,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, model.TokenTypeAgent, claims.Type)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.Equal(now.Add(time.Hour)))

	other, err := NewJWTSigner("another-secret", WithIssuer("iss"))
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = signer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	hash, err := h.Hash("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, h.Verify("hunter2", hash))
	assert.False(t, h.Verify("hunter3", hash))

	assert.Equal(t, DefaultBcryptCost, NewPasswordHasher(0).cost)
}

func TestManager_RegisterUser(t *testing.T) {
	m, _ := setupTestManager(t, Config{})

	user := registerAlice(t, m)
	assert.NotEmpty(t, user.ID)
	assert.NotEmpty(t, user.PasswordHash)

	_, err := m.RegisterUser("alice", "other", nil)
	assert.ErrorIs(t, err, model.ErrUserExists)

	_, err = m.RegisterUser(" ", "pw", nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	got, err := m.UserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = m.UserByID("missing")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManager_Authenticate(t *testing.T) {
	m, _ := setupTestManager(t, Config{})
	registerAlice(t, m)

	user, err := m.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = m.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)

	_, err = m.Authenticate("nobody", "s3cret")
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)

	// Authenticate alone opens no session
	assert.Equal(t, 0, m.Stats().ActiveSessions)
}

func TestManager_SessionLifecycle(t *testing.T) {
	m, clock := setupTestManager(t, Config{SessionTTL: time.Hour})
	user := registerAlice(t, m)

	session, err := m.CreateSession(user)
	require.NoError(t, err)
	assert.True(t, session.Active)
	require.NotNil(t, session.ExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *session.ExpiresAt)
	assert.ElementsMatch(t, RolePermissions[model.RoleMember], session.Permissions)

	clock.Advance(10 * time.Minute)
	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.LastActivity)

	require.NoError(t, m.RevokeSession(session.ID))
	_, err = m.GetSession(session.ID)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.ErrorIs(t, m.RevokeSession(session.ID), model.ErrSessionNotFound)
}

func TestManager_SessionExpiresLazily(t *testing.T) {
	m, clock := setupTestManager(t, Config{SessionTTL: time.Minute})
	user := registerAlice(t, m)

	session, err := m.CreateSession(user)
	require.NoError(t, err)
	require.True(t, m.CheckPermission(session.ID, model.PermissionWorkspaceView))

	clock.Advance(time.Minute)
	assert.False(t, m.CheckPermission(session.ID, model.PermissionWorkspaceView))
	assert.False(t, m.CheckRole(session.ID, model.RoleMember))
	_, err = m.GetSession(session.ID)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestManager_RevokeAllSessionsForUser(t *testing.T) {
	m, _ := setupTestManager(t, Config{})
	user := registerAlice(t, m)

	for i := 0; i < 3; i++ {
		_, err := m.CreateSession(user)
		require.NoError(t, err)
	}
	assert.Len(t, m.SessionsForUser(user.ID), 3)

	assert.Equal(t, 3, m.RevokeAllSessionsForUser(user.ID))
	assert.Empty(t, m.SessionsForUser(user.ID))
	assert.Equal(t, 0, m.RevokeAllSessionsForUser(user.ID))
}

func TestManager_LoginAndValidate(t *testing.T) {
	m, _ := setupTestManager(t, Config{})
	registerAlice(t, m)

	session, token, err := m.Login("alice", "s3cret", model.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, model.TokenTypeAccess, token.Type)

	got, err := m.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, _, err = m.Login("alice", "bad", model.TokenTypeAccess)
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)
}

func TestManager_ValidateToken_BoundSessionPreferred(t *testing.T) {
	m, clock := setupTestManager(t, Config{})
	user := registerAlice(t, m)

	first, err := m.CreateSession(user)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.CreateSession(user)
	require.NoError(t, err)

	bound, err := m.IssueTokenForSession(first.ID, model.TokenTypeAccess)
	require.NoError(t, err)

	got, err := m.ValidateToken(bound.Token)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestManager_ValidateToken_UnboundResolvesLatestSession(t *testing.T) {
	m, clock := setupTestManager(t, Config{})
	user := registerAlice(t, m)

	token, err := m.IssueToken(user.ID, model.TokenTypeAgent)
	require.NoError(t, err)

	// No session yet
	_, err = m.ValidateToken(token.Token)
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)

	_, err = m.CreateSession(user)
	require.NoError(t, err)
	clock.Advance(time.Second)
	latest, err := m.CreateSession(user)
	require.NoError(t, err)

	got, err := m.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)

	_, err = m.IssueToken("missing", model.TokenTypeAccess)
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}

func TestManager_ValidateToken_RevokedAndExpiredLookAlike(t *testing.T) {
	m, clock := setupTestManager(t, Config{SessionTTL: 48 * time.Hour, TokenTTL: time.Hour})
	registerAlice(t, m)

	_, revoked, err := m.Login("alice", "s3cret", model.TokenTypeAccess)
	require.NoError(t, err)
	_, expiring, err := m.Login("alice", "s3cret", model.TokenTypeAccess)
	require.NoError(t, err)

	require.NoError(t, m.RevokeToken(revoked.Token))
	_, errRevoked := m.ValidateToken(revoked.Token)

	clock.Advance(time.Hour)
	_, errExpired := m.ValidateToken(expiring.Token)

	assert.ErrorIs(t, errRevoked, model.ErrAuthenticationFailed)
	assert.ErrorIs(t, errExpired, model.ErrAuthenticationFailed)
	assert.Equal(t, errRevoked.Error(), errExpired.Error())

	assert.ErrorIs(t, m.RevokeToken("unknown"), model.ErrTokenNotFound)
}

func TestManager_RevokeSessionRevokesBoundTokens(t *testing.T) {
	m, _ := setupTestManager(t, Config{})
	user := registerAlice(t, m)

	session, token, err := m.Login("alice", "s3cret", model.TokenTypeAccess)
	require.NoError(t, err)
	// a second live session must not rescue the bound token
	_, err = m.CreateSession(user)
	require.NoError(t, err)

	require.NoError(t, m.RevokeSession(session.ID))
	_, err = m.ValidateToken(token.Token)
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)
}

func TestManager_Refresh(t *testing.T) {
	m, _ := setupTestManager(t, Config{})
	registerAlice(t, m)

	session, refresh, err := m.Login("alice", "s3cret", model.TokenTypeRefresh)
	require.NoError(t, err)

	access, err := m.Refresh(refresh.Token)
	require.NoError(t, err)
	assert.Equal(t, model.TokenTypeAccess, access.Type)

	got, err := m.ValidateToken(access.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	// access tokens cannot be used to refresh
	_, err = m.Refresh(access.Token)
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)
}

func TestManager_CheckPermission(t *testing.T) {
	m, _ := setupTestManager(t, Config{})

	admin, err := m.RegisterUser("root", "pw", []string{model.RoleAdmin})
	require.NoError(t, err)
	viewer, err := m.RegisterUser("val", "pw", []string{model.RoleViewer}, model.PermissionMessageSend)
	require.NoError(t, err)

	adminSession, err := m.CreateSession(admin)
	require.NoError(t, err)
	viewerSession, err := m.CreateSession(viewer)
	require.NoError(t, err)

	assert.True(t, m.CheckPermission(adminSession.ID, model.PermissionRateLimitAdmin))
	assert.True(t, m.CheckRole(adminSession.ID, model.RoleAdmin))

	assert.True(t, m.CheckPermission(viewerSession.ID, model.PermissionWorkspaceView))
	assert.True(t, m.CheckPermission(viewerSession.ID, model.PermissionMessageSend))
	assert.False(t, m.CheckPermission(viewerSession.ID, model.PermissionWorkspaceEdit))
	assert.False(t, m.CheckRole(viewerSession.ID, model.RoleAdmin))

	assert.False(t, m.CheckPermission("missing", model.PermissionWorkspaceView))
}

func TestManager_Cleanup(t *testing.T) {
	m, clock := setupTestManager(t, Config{SessionTTL: time.Hour, TokenTTL: 2 * time.Hour})
	user := registerAlice(t, m)

	_, err := m.CreateSession(user)
	require.NoError(t, err)
	_, token, err := m.Login("alice", "s3cret", model.TokenTypeAccess)
	require.NoError(t, err)
	_, err = m.IssueToken(user.ID, model.TokenTypeAgent)
	require.NoError(t, err)

	assert.Equal(t, 0, m.CleanupExpiredSessions())
	assert.Equal(t, 0, m.CleanupExpiredTokens())

	require.NoError(t, m.RevokeToken(token.Token))
	assert.Equal(t, 1, m.CleanupExpiredTokens())

	clock.Advance(time.Hour)
	assert.Equal(t, 2, m.CleanupExpiredSessions())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.CleanupExpiredTokens())

	st := m.Stats()
	assert.Equal(t, 1, st.Users)
	assert.Equal(t, 0, st.ActiveSessions)
	assert.Equal(t, 0, st.Tokens)
}

// TestSessionTTLProperty checks that a session is visible strictly before its
// TTL elapses and gone from then on.
func TestSessionTTLProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	m, clock := setupTestManager(t, Config{SessionTTL: time.Hour})
	user := registerAlice(t, m)

	properties.Property("getSession is non-nil before now+ttl and nil after", prop.ForAll(
		func(ttlSeconds int, offsets []int) bool {
			local := NewManager(m.signer, zerolog.Nop(), Config{
				SessionTTL: time.Duration(ttlSeconds) * time.Second,
				BcryptCost: bcrypt.MinCost,
			}, WithClock(clock.Now))

			start := clock.Now()
			session, err := local.CreateSession(user)
			if err != nil {
				return false
			}
			deadline := start.Add(time.Duration(ttlSeconds) * time.Second)

			expired := false
			for _, off := range offsets {
				clock.Advance(time.Duration(off) * time.Second)
				_, err := local.GetSession(session.ID)
				if clock.Now().Before(deadline) {
					if err != nil || expired {
						return false
					}
				} else {
					if err == nil {
						return false
					}
					expired = true
				}
			}
			return true
		},
		gen.IntRange(1, 600),
		gen.SliceOf(gen.IntRange(0, 120)),
	))

	properties.TestingRun(t)
}
