package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/credentials"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
)

type messageReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
}

// DispatchService turns API requests into queue jobs.
type DispatchService struct {
	messages messageReader
	tenants  tenantLookup
	jobs     Enqueuer
}

func NewDispatchService(messages messageReader, tenants tenantLookup, jobs Enqueuer) *DispatchService {
	return &DispatchService{messages: messages, tenants: tenants, jobs: jobs}
}

// SendMessage enqueues a message-send job for a PENDING message. Repeated
// calls while the job is pending are coalesced.
func (s *DispatchService) SendMessage(ctx context.Context, messageID int64, priority int) (queue.Handle, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return queue.Handle{}, err
	}
	if msg == nil {
		return queue.Handle{}, fmt.Errorf("message %d: %w", messageID, domain.ErrMessageNotFound)
	}
	if msg.Status != domain.StatusPending {
		return queue.Handle{}, fmt.Errorf("message %d is %s: %w", messageID, msg.Status, domain.ErrAlreadyProcessed)
	}

	tenant, err := s.tenants.GetTenant(ctx, msg.TenantID)
	if err != nil && !errors.Is(err, domain.ErrTenantNotFound) {
		return queue.Handle{}, err
	}
	if err := credentials.EnsureTenantActive(tenant); err != nil {
		return queue.Handle{}, err
	}

	return s.jobs.Enqueue(ctx, queue.MessageSend,
		domain.SendMessageJob{MessageID: msg.ID, TenantID: msg.TenantID},
		queue.Options{StableID: MessageJobID(msg.ID), Priority: priority},
	)
}

// IngestWebhook queues a raw provider callback for asynchronous processing.
func (s *DispatchService) IngestWebhook(ctx context.Context, routingID string, body []byte) (queue.Handle, error) {
	return s.jobs.Enqueue(ctx, queue.WebhookProcessing, domain.WebhookJob{
		RoutingID:  routingID,
		Body:       body,
		ReceivedAt: time.Now(),
	}, queue.Options{})
}
