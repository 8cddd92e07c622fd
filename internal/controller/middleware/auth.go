// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"runplane/internal/auth"
	"runplane/pkg/api"
)

// identityKey is the context key for the authenticated identity.
type identityKey struct{}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(token string) (*auth.Identity, error)
}

// AuthMiddleware resolves the Bearer API key of every request to an
// identity and stores it in the request context.
func AuthMiddleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			id, err := a.Authenticate(token)
			if err != nil {
				if errors.Is(err, auth.ErrUnknownKey) {
					writeError(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				writeError(w, "Authentication unavailable", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithIdentity(r.Context(), id)))
		})
	}
}

// NewContextWithIdentity returns a context carrying id.
func NewContextWithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*auth.Identity)
	return id, ok && id != nil
}

// bearerToken returns the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: message, Code: http.StatusText(code)})
}
