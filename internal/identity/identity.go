package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eldtechnologies/circle/internal/models"
)

// Gate resolves a bearer credential to a user id.
type Gate interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// Claims carries the user id as "_id". Tokens that only set "sub" are
// accepted too.
type Claims struct {
	UserID string `json:"_id,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user id the claims name.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// JWTGate verifies HS256 tokens signed with a shared secret.
type JWTGate struct {
	secret []byte
	now    func() time.Time
}

// NewJWTGate creates a gate for secret.
func NewJWTGate(secret string) *JWTGate {
	return &JWTGate{secret: []byte(secret), now: time.Now}
}

// Authenticate validates credential and returns the user id it names.
// Every failure is reported as ErrUnauthenticated.
func (g *JWTGate) Authenticate(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	credential = strings.TrimPrefix(credential, "Bearer ")
	if credential == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrUnauthenticated)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}

	userID := claims.User()
	if err := models.ValidateUserID(userID); err != nil {
		return "", fmt.Errorf("%w: token names no valid user", models.ErrUnauthenticated)
	}
	return userID, nil
}

// Issue signs a token for userID. A zero ttl issues a token without expiry.
func (g *JWTGate) Issue(userID string, ttl time.Duration) (string, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return "", err
	}
	if len(g.secret) == 0 {
		return "", errors.New("empty signing secret")
	}

	now := g.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// CredentialFromHeader reads a token from "Authorization: Bearer" or the
// "x-auth-token" header.
func CredentialFromHeader(h http.Header) string {
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(h.Get("X-Auth-Token"))
}
