// Package auth provides bearer-token authentication for room connections
// and the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // stable external subject
	Username string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// Claims represents the builtin JWT token claims.
type Claims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Service is the builtin JWT provider. Tokens are minted by the login glue
// after an upstream OAuth exchange and verified here on every connection.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a builtin auth service.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{
		jwtSecret: []byte(secret),
		jwtExpiry: expiry,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// IssueToken mints a signed token for an externally authenticated user.
func (s *Service) IssueToken(userID, username string) (string, error) {
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return &Identity{
		UserID:   claims.Subject,
		Username: username,
	}, nil
}
