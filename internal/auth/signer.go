package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

// ErrInvalidToken is returned by a Signer when a token fails signature, shape
// or expiry checks. The manager reports it as model.ErrAuthenticationFailed.
var ErrInvalidToken = errors.New("invalid token")

// ErrMissingSecret is returned when a signer is built without a secret.
var ErrMissingSecret = errors.New("token signing secret is required")

// Claims is the payload carried by a signed token.
type Claims struct {
	ID        string
	UserID    string
	SessionID string
	Type      model.TokenType
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer turns claims into an opaque token string and back.
type Signer interface {
	Sign(claims Claims) (string, error)
	Verify(token string) (*Claims, error)
}

// jwtClaims is the wire form of Claims.
type jwtClaims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTSigner signs tokens as HS256 JWTs.
type JWTSigner struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// JWTOption configures a JWTSigner.
type JWTOption func(*JWTSigner)

// WithIssuer sets the iss claim written and required on verification.
func WithIssuer(issuer string) JWTOption {
	return func(s *JWTSigner) {
		s.issuer = issuer
	}
}

// WithSignerClock replaces the time source used for expiry checks.
func WithSignerClock(now func() time.Time) JWTOption {
	return func(s *JWTSigner) {
		s.now = now
	}
}

// NewJWTSigner creates an HS256 signer. The secret is supplied by the caller.
func NewJWTSigner(secret string, opts ...JWTOption) (*JWTSigner, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	s := &JWTSigner{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign creates a signed token. An empty claims ID gets a fresh uuid.
func (s *JWTSigner) Sign(c Claims) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	claims := jwtClaims{
		UserID:    c.UserID,
		SessionID: c.SessionID,
		TokenType: string(c.Type),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ID,
			Issuer:    s.issuer,
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			NotBefore: jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and returns its claims.
func (s *JWTSigner) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	out := &Claims{
		ID:        claims.ID,
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Type:      model.TokenType(claims.TokenType),
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
