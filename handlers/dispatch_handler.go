package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/internal/scheduler"
	"github.com/onurcolak/insider-dispatch-service/pkg/response"
	"github.com/onurcolak/insider-dispatch-service/pkg/validator"
)

type messageDispatcher interface {
	SendMessage(ctx context.Context, messageID int64, priority int) (queue.Handle, error)
}

type campaignDispatcher interface {
	DispatchCampaign(ctx context.Context, campaignID int64) (queue.Handle, error)
}

type queueInspector interface {
	Stats(ctx context.Context, queueName string) (queue.Stats, error)
	DeadLetters(ctx context.Context, queueName string, limit int) ([]*queue.Job, error)
}

type messageStats interface {
	GetStats(ctx context.Context) (pending, sent, failed int64, err error)
}

// ConsumerSnapshotter is implemented by *queue.Consumer.
type ConsumerSnapshotter interface {
	Snapshot() queue.ConsumerStats
}

type DispatchHandler struct {
	messages  messageDispatcher
	campaigns campaignDispatcher
	queues    queueInspector
	stats     messageStats
	consumers []ConsumerSnapshotter
}

func NewDispatchHandler(
	messages messageDispatcher,
	campaigns campaignDispatcher,
	queues queueInspector,
	stats messageStats,
	consumers ...ConsumerSnapshotter,
) *DispatchHandler {
	return &DispatchHandler{messages: messages, campaigns: campaigns, queues: queues, stats: stats, consumers: consumers}
}

type SendMessageRequest struct {
	// Priority orders waiting jobs; lower is served first. Defaults to 10.
	Priority int `json:"priority,omitempty" validate:"omitempty,min=1,max=100"`
}

type QueueRequest struct {
	Name  string `param:"name" validate:"required,oneof=webhook-processing message-send campaign-execute"`
	Limit int    `query:"limit" validate:"omitempty,min=1,max=500"`
}

// SendMessage godoc
// @Summary Queue a message for delivery
// @Description Enqueues a message-send job for a PENDING message. Repeated calls while the job is pending return the same job.
// @Tags dispatch
// @Accept json
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Param id path int true "Message ID"
// @Param request body SendMessageRequest false "Delivery options"
// @Success 202 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 403 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Router /api/v1/dispatch/messages/{id}/send [post]
func (h *DispatchHandler) SendMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return response.BadRequest(c, err)
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	handle, err := h.messages.SendMessage(c.Request().Context(), id, req.Priority)
	if err != nil {
		return response.FromError(c, err)
	}

	if handle.Duplicate {
		return response.Accepted(c, "Message is already queued", handle)
	}
	return response.Accepted(c, "Message queued for delivery", handle)
}

// ExecuteCampaign godoc
// @Summary Execute a campaign now
// @Description Claims a SCHEDULED campaign regardless of its scheduled time and queues it for execution.
// @Tags dispatch
// @Accept json
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Param id path int true "Campaign ID"
// @Success 202 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/v1/dispatch/campaigns/{id}/execute [post]
func (h *DispatchHandler) ExecuteCampaign(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return response.BadRequest(c, err)
	}

	handle, err := h.campaigns.DispatchCampaign(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrCampaignNotScheduled) {
			return response.Conflict(c, err)
		}
		return response.FromError(c, err)
	}

	return response.Accepted(c, "Campaign queued for execution", handle)
}

// QueueStats godoc
// @Summary Queue statistics
// @Description Returns waiting, delayed, active and dead job counts for a queue
// @Tags dispatch
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Param name path string true "Queue name" Enums(webhook-processing, message-send, campaign-execute)
// @Success 200 {object} response.SuccessResponse
// @Failure 422 {object} response.ErrorResponse
// @Router /api/v1/dispatch/queues/{name}/stats [get]
func (h *DispatchHandler) QueueStats(c echo.Context) error {
	var req QueueRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	stats, err := h.queues.Stats(c.Request().Context(), req.Name)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, stats)
}

// DeadLetters godoc
// @Summary Dead-lettered jobs
// @Description Lists the most recently dead-lettered jobs of a queue
// @Tags dispatch
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Param name path string true "Queue name" Enums(webhook-processing, message-send, campaign-execute)
// @Param limit query int false "Max jobs (default: 50, max: 500)"
// @Success 200 {object} response.SuccessResponse
// @Failure 422 {object} response.ErrorResponse
// @Router /api/v1/dispatch/queues/{name}/dead [get]
func (h *DispatchHandler) DeadLetters(c echo.Context) error {
	var req QueueRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	jobs, err := h.queues.DeadLetters(c.Request().Context(), req.Name, req.Limit)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, map[string]any{
		"queue": req.Name,
		"count": len(jobs),
		"jobs":  jobs,
	})
}

// MessageStats godoc
// @Summary Get message statistics
// @Description Returns counts of PENDING, SENT and FAILED messages
// @Tags dispatch
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/dispatch/messages/stats [get]
func (h *DispatchHandler) MessageStats(c echo.Context) error {
	pending, sent, failed, err := h.stats.GetStats(c.Request().Context())
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, map[string]int64{
		"pending": pending,
		"sent":    sent,
		"failed":  failed,
		"total":   pending + sent + failed,
	})
}

// Consumers godoc
// @Summary Consumer status
// @Description Returns running state, in-flight jobs and outcome counters of this process's queue consumers
// @Tags dispatch
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Success 200 {object} response.SuccessResponse
// @Router /api/v1/dispatch/consumers [get]
func (h *DispatchHandler) Consumers(c echo.Context) error {
	stats := make([]queue.ConsumerStats, 0, len(h.consumers))
	for _, consumer := range h.consumers {
		stats = append(stats, consumer.Snapshot())
	}
	return response.Ok(c, stats)
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}
