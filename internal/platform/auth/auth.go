// Package auth issues and verifies the bearer session tokens used by the
// scan API. Tokens are HS256-signed JWTs carrying the user id as subject;
// signed-out tokens are tracked in an in-memory revocation list until they
// expire on their own.
package auth

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	// UserIDKey is the echo context key under which the middleware stores
	// the authenticated user id.
	UserIDKey = "user_id"
	// TokenKey is the echo context key holding the raw bearer token.
	TokenKey = "session_token"
)

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Sessions issues, verifies, and revokes session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // token -> expiry
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{
		secret:  []byte(secret),
		ttl:     ttl,
		revoked: make(map[string]time.Time),
	}
}

// Issue creates a signed session token for the given user.
func (s *Sessions) Issue(userID, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token, returning its claims.
func (s *Sessions) Verify(token string) (*Claims, error) {
	s.mu.Lock()
	_, isRevoked := s.revoked[token]
	s.mu.Unlock()
	if isRevoked {
		return nil, jwt.ErrTokenExpired
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// Revoke invalidates a token ahead of its expiry (sign-out).
func (s *Sessions) Revoke(token string) {
	claims, err := s.Verify(token)
	expiry := time.Now().Add(s.ttl)
	if err == nil && claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = expiry
	// Drop entries for tokens that have expired anyway.
	now := time.Now()
	for tok, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, tok)
		}
	}
}

// Middleware authenticates requests via the Authorization bearer header and
// stores the user id on the echo context.
func (s *Sessions) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request())
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			claims, err := s.Verify(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session")
			}
			c.Set(UserIDKey, claims.Subject)
			c.Set(TokenKey, token)
			return next(c)
		}
	}
}

// UserID returns the authenticated user id from the echo context, or "".
func UserID(c echo.Context) string {
	uid, _ := c.Get(UserIDKey).(string)
	return uid
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get(echo.HeaderAuthorization)
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
