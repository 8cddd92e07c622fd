package middleware

import (
	"crypto/subtle"
	"net/http"
)

// RequireInternalAuth guards operator endpoints with the shared system
// secret. An empty secret disables the endpoints entirely.
func RequireInternalAuth(systemSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if systemSecret == "" {
				writeError(w, "Internal endpoints disabled", http.StatusForbidden)
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(systemSecret)) != 1 {
				writeError(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
