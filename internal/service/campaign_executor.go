package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/credentials"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/pubsub"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

type campaignStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Campaign, error)
	MarkCompleted(ctx context.Context, id int64, completedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, failedAt time.Time) (bool, error)
}

type pendingMessageLister interface {
	ListPendingByCampaign(ctx context.Context, campaignID int64) ([]int64, error)
}

type tenantLookup interface {
	GetTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error)
}

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (queue.Handle, error)
}

// MessageJobID is the stable id of the message-send job for messageID.
func MessageJobID(messageID int64) string {
	return fmt.Sprintf("message-%d", messageID)
}

// CampaignExecutor is the handler of the campaign-execute queue: it fans a
// claimed campaign out into one message-send job per pending message.
type CampaignExecutor struct {
	campaigns campaignStore
	messages  pendingMessageLister
	tenants   tenantLookup
	jobs      Enqueuer
	events    pubsub.Publisher
	now       func() time.Time
}

func NewCampaignExecutor(
	campaigns campaignStore,
	messages pendingMessageLister,
	tenants tenantLookup,
	jobs Enqueuer,
	events pubsub.Publisher,
) *CampaignExecutor {
	if events == nil {
		events = pubsub.Nop{}
	}
	return &CampaignExecutor{
		campaigns: campaigns,
		messages:  messages,
		tenants:   tenants,
		jobs:      jobs,
		events:    events,
		now:       time.Now,
	}
}

func (e *CampaignExecutor) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload domain.ExecuteCampaignJob
	if err := job.Decode(&payload); err != nil {
		return queue.Fatal(err)
	}

	err := e.Execute(ctx, payload.CampaignID)
	if err != nil && !queue.IsFatal(err) && job.Attempt >= job.MaxAttempts {
		e.markFailed(ctx, payload.CampaignID)
	}
	return err
}

// Execute enqueues the campaign's pending messages and completes it. Message
// jobs use stable ids, so a redelivered campaign job does not double-enqueue.
func (e *CampaignExecutor) Execute(ctx context.Context, campaignID int64) error {
	campaign, err := e.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return queue.Fatal(fmt.Errorf("campaign %d: %w", campaignID, domain.ErrCampaignNotFound))
	}
	if campaign.Status != domain.CampaignInProgress {
		logger.Infof("Campaign %d is %s, nothing to execute", campaign.ID, campaign.Status)
		return nil
	}

	tenant, err := e.tenants.GetTenant(ctx, campaign.TenantID)
	if err != nil && !errors.Is(err, domain.ErrTenantNotFound) {
		return err
	}
	if err := credentials.EnsureTenantActive(tenant); err != nil {
		e.markFailed(ctx, campaign.ID)
		return queue.Fatal(err)
	}

	ids, err := e.messages.ListPendingByCampaign(ctx, campaign.ID)
	if err != nil {
		return err
	}

	enqueued, duplicates := 0, 0
	for _, id := range ids {
		h, err := e.jobs.Enqueue(ctx, queue.MessageSend,
			domain.SendMessageJob{MessageID: id, TenantID: campaign.TenantID},
			queue.Options{StableID: MessageJobID(id)},
		)
		if err != nil {
			return fmt.Errorf("campaign %d: %w", campaign.ID, err)
		}
		if h.Duplicate {
			duplicates++
		} else {
			enqueued++
		}
	}

	completedAt := e.now()
	if _, err := e.campaigns.MarkCompleted(ctx, campaign.ID, completedAt); err != nil {
		return err
	}

	logger.Infof("Campaign %d executed: %d message jobs enqueued, %d already queued", campaign.ID, enqueued, duplicates)
	e.events.Publish(ctx, domain.Event{
		Type:     domain.EventCampaignCompleted,
		TenantID: campaign.TenantID,
		Data:     map[string]any{"campaignId": campaign.ID, "messages": len(ids)},
		Time:     completedAt,
	})

	return nil
}

func (e *CampaignExecutor) markFailed(ctx context.Context, campaignID int64) {
	if _, err := e.campaigns.MarkFailed(context.WithoutCancel(ctx), campaignID, e.now()); err != nil {
		logger.Errorf("Failed to mark campaign %d as failed: %v", campaignID, err)
	}
}
