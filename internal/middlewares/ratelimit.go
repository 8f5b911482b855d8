package middlewares

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/pkg/response"
)

type windowLimiter interface {
	Allow(ctx context.Context, identifier string) (bool, time.Duration)
}

// RateLimit caps requests per client IP. A nil limiter disables the check.
func RateLimit(limiter windowLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}

			allowed, retryAfter := limiter.Allow(c.Request().Context(), "ip:"+c.RealIP())
			if !allowed {
				return response.TooManyRequests(c, retryAfter)
			}

			return next(c)
		}
	}
}
