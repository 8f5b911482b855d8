package response

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func Ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    data,
	})
}

func OkWithMessage(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Accepted is used for work handed to a queue.
func Accepted(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusAccepted, SuccessResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func BadRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

func Unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, ErrorResponse{
		Success: false,
		Error:   "Invalid or missing API key",
	})
}

func Forbidden(c echo.Context, err error) error {
	return c.JSON(http.StatusForbidden, ErrorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

func NotFound(c echo.Context, message string) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{
		Success: false,
		Error:   message,
	})
}

func Conflict(c echo.Context, err error) error {
	return c.JSON(http.StatusConflict, ErrorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// TooManyRequests sets Retry-After in whole seconds, rounded up.
func TooManyRequests(c echo.Context, retryAfter time.Duration) error {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
	return c.JSON(http.StatusTooManyRequests, ErrorResponse{
		Success: false,
		Error:   fmt.Sprintf("Rate limit exceeded, retry in %ds", seconds),
	})
}

func InternalServerError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

func ServiceUnavailable(c echo.Context, err error) error {
	return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// FromError maps a domain error to its HTTP status. Anything unknown is a 500.
func FromError(c echo.Context, err error) error {
	var invalid *domain.CredentialInvalidError
	var limited *domain.RateLimitedError

	switch {
	case errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrCampaignNotFound),
		errors.Is(err, domain.ErrCredentialNotFound),
		errors.Is(err, domain.ErrTenantNotFound):
		return NotFound(c, err.Error())
	case errors.Is(err, domain.ErrAlreadyProcessed):
		return Conflict(c, err)
	case errors.Is(err, domain.ErrTenantSuspended),
		errors.Is(err, domain.ErrTenantCancelled),
		errors.As(err, &invalid):
		return Forbidden(c, err)
	case errors.As(err, &limited):
		return TooManyRequests(c, limited.RetryAfter)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return ServiceUnavailable(c, err)
	default:
		return InternalServerError(c, err)
	}
}
