package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireInternalAuth(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"basic auth", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"too many parts", "s3cret", "Bearer s3cret extra", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"disabled", "", "Bearer ", http.StatusForbidden},
		{"success", "s3cret", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := RequireInternalAuth(tt.secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/internal/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("got status %d, want %d", rr.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}
