package handlers

import (
	"context"
	"fmt"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/pkg/response"
	"github.com/onurcolak/insider-dispatch-service/pkg/validator"
)

const maxWebhookBody = 1 << 20

type webhookIngester interface {
	IngestWebhook(ctx context.Context, routingID string, body []byte) (queue.Handle, error)
}

type WebhookHandler struct {
	ingester webhookIngester
}

func NewWebhookHandler(ingester webhookIngester) *WebhookHandler {
	return &WebhookHandler{ingester: ingester}
}

type WebhookRequest struct {
	RoutingID string `param:"routingId" json:"-" validate:"required,routing_id"`
}

// ReceiveWebhook godoc
// @Summary Receive a provider callback
// @Description Accepts a raw provider status callback and queues it for processing
// @Tags webhooks
// @Accept json
// @Produce json
// @Param routingId path string true "Sending number routing id"
// @Success 202 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Router /api/v1/webhooks/{routingId} [post]
func (h *WebhookHandler) ReceiveWebhook(c echo.Context) error {
	var req WebhookRequest
	if err := (&echo.DefaultBinder{}).BindPathParams(c, &req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return response.BadRequest(c, err)
	}
	if len(body) == 0 {
		return response.BadRequest(c, fmt.Errorf("empty webhook body"))
	}
	if len(body) > maxWebhookBody {
		return response.BadRequest(c, fmt.Errorf("webhook body exceeds %d bytes", maxWebhookBody))
	}

	handle, err := h.ingester.IngestWebhook(c.Request().Context(), req.RoutingID, body)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Accepted(c, "Webhook queued for processing", handle)
}
