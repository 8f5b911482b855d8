package handlers

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/internal/scheduler"
	"github.com/onurcolak/insider-dispatch-service/pkg/response"
	"github.com/onurcolak/insider-dispatch-service/pkg/validator"
)

type campaignScheduler interface {
	StartWithInterval(ctx context.Context, interval time.Duration) error
	Stop() error
	IsRunning() bool
	GetStatus() scheduler.SchedulerStatus
}

type SchedulerHandler struct {
	scheduler campaignScheduler
	// ctx outlives the request: the scheduler loop must keep running after
	// the start call returns.
	ctx context.Context
}

type StartSchedulerRequest struct {
	// IntervalSeconds overrides the configured polling interval.
	IntervalSeconds *int `json:"intervalSeconds,omitempty" validate:"omitempty,min=1,max=86400"`
}

func NewSchedulerHandler(sched campaignScheduler, ctx context.Context) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: sched,
		ctx:       ctx,
	}
}

// StartScheduler godoc
// @Summary Start the campaign scheduler
// @Description Starts polling for due campaigns, optionally with a new interval
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-ins-auth-key header string true "API key for scheduler"
// @Param request body StartSchedulerRequest false "Scheduler parameters (optional)"
// @Success 200 {object} response.SuccessResponse
// @Failure 422 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/scheduler/start [post]
func (h *SchedulerHandler) StartScheduler(c echo.Context) error {
	if h.scheduler.IsRunning() {
		return response.OkWithMessage(c, "Scheduler is already running", h.scheduler.GetStatus())
	}

	var req StartSchedulerRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	var interval time.Duration
	if req.IntervalSeconds != nil {
		interval = time.Duration(*req.IntervalSeconds) * time.Second
	}

	if err := h.scheduler.StartWithInterval(h.ctx, interval); err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Scheduler started successfully", h.scheduler.GetStatus())
}

// StopScheduler godoc
// @Summary Stop the campaign scheduler
// @Description Stops polling for due campaigns. Campaigns already queued still execute.
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-ins-auth-key header string true "API key for scheduler"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/scheduler/stop [post]
func (h *SchedulerHandler) StopScheduler(c echo.Context) error {
	if !h.scheduler.IsRunning() {
		return response.OkWithMessage(c, "Scheduler is already stopped", h.scheduler.GetStatus())
	}

	if err := h.scheduler.Stop(); err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Scheduler stopped successfully", h.scheduler.GetStatus())
}

// GetSchedulerStatus godoc
// @Summary Get scheduler status
// @Description Returns the current status of the campaign scheduler
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-ins-auth-key header string true "API key for scheduler"
// @Success 200 {object} response.SuccessResponse
// @Router /api/v1/scheduler/status [get]
func (h *SchedulerHandler) GetSchedulerStatus(c echo.Context) error {
	return response.Ok(c, h.scheduler.GetStatus())
}
