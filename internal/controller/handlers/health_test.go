package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  int
	}{
		{"ready", func(context.Context) error { return nil }, http.StatusOK},
		{"bus down", func(context.Context) error { return errors.New("disconnected") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, WithCheck("bus", tt.check))

			rr := httptest.NewRecorder()
			env.h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tt.want {
				t.Errorf("got status %d, want %d", rr.Code, tt.want)
			}
		})
	}
}
