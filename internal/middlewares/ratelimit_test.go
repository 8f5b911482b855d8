package middlewares

import (
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/internal/ratelimit"
)

func TestRateLimit_RejectsOverLimitPerIP(t *testing.T) {
	limiter := ratelimit.NewFixedWindow(ratelimit.NewMemoryStore(), 2, time.Hour, environments.StorePolicyAllow)
	mw := RateLimit(limiter)
	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	call := func(ip string) int {
		c, rec := newEchoContext(http.MethodGet, "/test")
		c.Request().RemoteAddr = ip + ":4321"
		if err := handler(c); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, code)
		}
	}

	c, rec := newEchoContext(http.MethodGet, "/test")
	c.Request().RemoteAddr = "10.0.0.1:4321"
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("expected Retry-After header")
	}

	// Other clients have their own window.
	if code := call("10.0.0.2"); code != http.StatusOK {
		t.Errorf("expected a different IP to pass, got %d", code)
	}
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	handler := RateLimit(nil)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	c, rec := newEchoContext(http.MethodGet, "/test")
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
