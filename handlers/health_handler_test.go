package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }
func (f fakePinger) Ping(ctx context.Context) error        { return f.err }

func healthStatus(t *testing.T, h *HealthHandler) (int, map[string]any) {
	t.Helper()
	e := echo.New()
	e.GET("/health", h.Health)
	rec := serve(e, http.MethodGet, "/health", "")

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	down := errors.New("connection refused")

	cases := []struct {
		name   string
		h      *HealthHandler
		code   int
		status string
	}{
		{"all up", NewHealthHandler(fakePinger{}, fakePinger{}), http.StatusOK, "ok"},
		{"valkey down", NewHealthHandler(fakePinger{}, fakePinger{err: down}), http.StatusOK, "degraded"},
		{"db down", NewHealthHandler(fakePinger{err: down}, fakePinger{}), http.StatusServiceUnavailable, "down"},
		{"memory only", NewHealthHandler(fakePinger{}, nil), http.StatusOK, "ok"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := healthStatus(t, tc.h)
			if code != tc.code {
				t.Errorf("expected status %d, got %d", tc.code, code)
			}
			if body["status"] != tc.status {
				t.Errorf("expected overall status %q, got %v", tc.status, body["status"])
			}
		})
	}
}
