package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/eldtechnologies/circle/internal/identity"
	"github.com/eldtechnologies/circle/internal/metrics"
)

type contextKey string

const UserContextKey contextKey = "user"

// AuthMiddleware resolves the bearer credential to a user id.
type AuthMiddleware struct {
	gate identity.Gate
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(gate identity.Gate) *AuthMiddleware {
	return &AuthMiddleware{gate: gate}
}

// RequireAuth rejects requests without a valid token and stores the
// authenticated user id in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := identity.CredentialFromHeader(r.Header)
		if credential == "" {
			jsonError(w, http.StatusUnauthorized, "Unauthenticated", "missing auth token")
			return
		}

		userID, err := m.gate.Authenticate(r.Context(), credential)
		if err != nil {
			metrics.BlockedRequests.WithLabelValues("invalid_token").Inc()
			jsonError(w, http.StatusUnauthorized, "Unauthenticated", "invalid auth token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext retrieves the authenticated user id from context.
func GetUserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(UserContextKey).(string)
	return userID
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
