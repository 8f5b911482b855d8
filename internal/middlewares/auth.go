package middlewares

import (
	"crypto/subtle"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
	"github.com/onurcolak/insider-dispatch-service/pkg/response"
)

const (
	APIKeyHeader = "x-ins-auth-key"
)

// secureCompare compares two strings in a way that is safer against timing attacks.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// APIKeyAuth guards an endpoint group with a shared key. group only names
// the group in logs.
func APIKeyAuth(group, apiKey string) echo.MiddlewareFunc {
	// If the API key is not configured, treat this as a server-side misconfiguration.
	if apiKey == "" {
		logger.Warnf("API key for %s endpoints is not configured; the group will reject every request", group)
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return response.InternalServerError(
					c,
					fmt.Errorf("API key is not configured for the %s endpoints", group),
				)
			}
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Get API key from x-ins-auth-key header.
			token := c.Request().Header.Get(APIKeyHeader)
			if token == "" || !secureCompare(token, apiKey) {
				logger.Debugf("Rejected %s request from %s: bad API key", group, c.RealIP())
				return response.Unauthorized(c)
			}

			return next(c)
		}
	}
}
