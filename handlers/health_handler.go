package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type dbPinger interface {
	PingContext(ctx context.Context) error
}

type valkeyPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health checks.
type HealthHandler struct {
	db           dbPinger
	valkey       valkeyPinger
	checkTimeout time.Duration
}

// NewHealthHandler accepts a nil valkey when the process runs on in-memory
// backends only.
func NewHealthHandler(db dbPinger, valkey valkeyPinger) *HealthHandler {
	return &HealthHandler{
		db:           db,
		valkey:       valkey,
		checkTimeout: 2 * time.Second,
	}
}

// Health returns overall status and basic component statuses (DB and Valkey).
// @Summary Health check
// @Description Returns overall status with DB and Valkey connectivity results
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /health [get]
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.checkTimeout)
	defer cancel()

	overallStatus := "ok"

	dbStatus := "up"
	if h.db == nil {
		dbStatus = "down"
		overallStatus = "down"
	} else if err := h.db.PingContext(ctx); err != nil {
		dbStatus = "down"
		overallStatus = "down"
	}

	// Queue, buckets and fan-out all live in Valkey: without it jobs stop
	// moving, but the rate limiter fails open and the API still answers.
	valkeyStatus := "disabled"
	if h.valkey != nil {
		if err := h.valkey.Ping(ctx); err != nil {
			valkeyStatus = "down"
			if overallStatus == "ok" {
				overallStatus = "degraded"
			}
		} else {
			valkeyStatus = "up"
		}
	}

	code := http.StatusOK
	if overallStatus == "down" {
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"components": map[string]any{
			"database": map[string]any{
				"status": dbStatus,
			},
			"valkey": map[string]any{
				"status": valkeyStatus,
			},
		},
	})
}
