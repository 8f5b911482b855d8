package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/credentials"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/pubsub"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

type tenantResolver interface {
	ResolveTenantByRoutingID(ctx context.Context, routingID string) (*domain.Tenant, error)
}

// WebhookProcessor is the handler of the webhook-processing queue. It turns
// provider status callbacks into webhook.status events.
type WebhookProcessor struct {
	tenants tenantResolver
	events  pubsub.Publisher
}

func NewWebhookProcessor(tenants tenantResolver, events pubsub.Publisher) *WebhookProcessor {
	if events == nil {
		events = pubsub.Nop{}
	}
	return &WebhookProcessor{tenants: tenants, events: events}
}

func (p *WebhookProcessor) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload domain.WebhookJob
	if err := job.Decode(&payload); err != nil {
		return queue.Fatal(err)
	}
	_, err := p.Process(ctx, payload)
	return err
}

// Process returns the number of status callbacks published.
func (p *WebhookProcessor) Process(ctx context.Context, w domain.WebhookJob) (int, error) {
	tenant, err := p.tenants.ResolveTenantByRoutingID(ctx, w.RoutingID)
	if err != nil {
		return 0, err
	}
	if tenant == nil {
		return 0, queue.Fatal(fmt.Errorf("routing id %s: %w", w.RoutingID, domain.ErrTenantNotFound))
	}
	if err := credentials.EnsureTenantActive(tenant); err != nil {
		return 0, queue.Fatal(err)
	}

	var notification domain.WebhookNotification
	if err := json.Unmarshal(w.Body, &notification); err != nil {
		return 0, queue.Fatal(fmt.Errorf("malformed webhook body for %s: %w", w.RoutingID, err))
	}

	published := 0
	for _, entry := range notification.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				p.events.Publish(ctx, domain.Event{
					Type:     domain.EventWebhookStatus,
					TenantID: tenant.ID,
					Data: map[string]any{
						"routingId":         w.RoutingID,
						"providerMessageId": status.ID,
						"status":            status.Status,
						"recipient":         status.RecipientID,
						"errors":            status.Errors,
					},
					Time: time.Now(),
				})
				published++
			}
		}
	}

	logger.Debugf("Webhook for %s processed: %d status updates", w.RoutingID, published)
	return published, nil
}
