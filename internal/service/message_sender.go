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
	"github.com/onurcolak/insider-dispatch-service/internal/ratelimit"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// Small internal interfaces so we can test without touching real DB/Valkey/provider.
type messageStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	MarkAsSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error
	MarkAsFailed(ctx context.Context, id int64, errorMessage string, failedAt time.Time) error
}

type credentialResolver interface {
	GetTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error)
	GetValidCredential(ctx context.Context, routingID string) (*domain.Credential, error)
	InvalidateCredential(ctx context.Context, routingID, reason string)
}

type tokenLimiter interface {
	Consume(ctx context.Context, key string, maxTokens, refillPerSecond, n float64) ratelimit.Result
}

type decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type providerClient interface {
	SendMessage(ctx context.Context, routingID, accessToken string, payload any) (*domain.ProviderResponse, error)
}

// SenderConfig sizes the token buckets consumed before each delivery. The
// global bucket is shared by every instance through the bucket store; a zero
// refill disables it.
type SenderConfig struct {
	TenantMaxTokens       float64
	TenantRefillPerSecond float64
	GlobalMaxTokens       float64
	GlobalRefillPerSecond float64
}

// MessageSender is the handler of the message-send queue.
type MessageSender struct {
	messages    messageStore
	credentials credentialResolver
	limiter     tokenLimiter
	secrets     decrypter
	provider    providerClient
	events      pubsub.Publisher
	config      SenderConfig
	now         func() time.Time
}

func NewMessageSender(
	messages messageStore,
	credentials credentialResolver,
	limiter tokenLimiter,
	secrets decrypter,
	provider providerClient,
	events pubsub.Publisher,
	config SenderConfig,
) *MessageSender {
	if events == nil {
		events = pubsub.Nop{}
	}
	return &MessageSender{
		messages:    messages,
		credentials: credentials,
		limiter:     limiter,
		secrets:     secrets,
		provider:    provider,
		events:      events,
		config:      config,
		now:         time.Now,
	}
}

// HandleJob adapts Send to queue.Handler.
func (s *MessageSender) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload domain.SendMessageJob
	if err := job.Decode(&payload); err != nil {
		return queue.Fatal(err)
	}
	return s.Send(ctx, payload, job.Attempt >= job.MaxAttempts && !job.CanDefer())
}

// Send delivers one message. finalAttempt tells Send that the queue will not
// redeliver, so a throttled message must be recorded as FAILED now. Otherwise
// a throttled message is returned as queue.Throttle so the queue defers it
// without spending an attempt.
func (s *MessageSender) Send(ctx context.Context, job domain.SendMessageJob, finalAttempt bool) error {
	msg, err := s.messages.GetByID(ctx, job.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return queue.Fatal(fmt.Errorf("message %d: %w", job.MessageID, domain.ErrMessageNotFound))
	}
	if msg.TenantID != job.TenantID {
		return queue.Fatal(fmt.Errorf("message %d belongs to tenant %d, not %d", msg.ID, msg.TenantID, job.TenantID))
	}

	if msg.Status != domain.StatusPending {
		logger.Debugf("Message %d already %s, skipping", msg.ID, msg.Status)
		return nil
	}

	if s.config.GlobalRefillPerSecond > 0 {
		key := ratelimit.GlobalKey(queue.MessageSend)
		if err := s.consume(ctx, msg, key, s.config.GlobalMaxTokens, s.config.GlobalRefillPerSecond, finalAttempt); err != nil {
			return err
		}
	}
	key := ratelimit.TenantKey(msg.TenantID)
	if err := s.consume(ctx, msg, key, s.config.TenantMaxTokens, s.config.TenantRefillPerSecond, finalAttempt); err != nil {
		return err
	}

	tenant, err := s.credentials.GetTenant(ctx, msg.TenantID)
	if err != nil && !errors.Is(err, domain.ErrTenantNotFound) {
		return err
	}
	if err := credentials.EnsureTenantActive(tenant); err != nil {
		s.fail(ctx, msg, err.Error())
		return queue.Fatal(err)
	}

	credential, err := s.credentials.GetValidCredential(ctx, msg.RoutingID)
	if err != nil {
		var invalid *domain.CredentialInvalidError
		if errors.Is(err, domain.ErrCredentialNotFound) || errors.As(err, &invalid) {
			s.fail(ctx, msg, err.Error())
			return queue.Fatal(err)
		}
		return err
	}

	token, err := s.secrets.Decrypt(credential.AccessToken)
	if err != nil {
		err = fmt.Errorf("failed to decrypt credential for %s: %w", msg.RoutingID, err)
		s.fail(ctx, msg, err.Error())
		return queue.Fatal(err)
	}

	payload, err := BuildPayload(msg)
	if err != nil {
		s.fail(ctx, msg, err.Error())
		return queue.Fatal(err)
	}

	resp, err := s.provider.SendMessage(ctx, msg.RoutingID, token, payload)
	if err != nil {
		return s.handleDeliveryFailure(ctx, msg, err)
	}

	sentAt := s.now()
	if err := s.messages.MarkAsSent(ctx, msg.ID, resp.MessageID(), sentAt); err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			logger.Warnf("Message %d was finalized concurrently after delivery", msg.ID)
			return nil
		}
		logger.Errorf("Message %d delivered as %s but could not be marked sent: %v", msg.ID, resp.MessageID(), err)
		return err
	}

	logger.Infof("Message %d sent to %s (provider id %s)", msg.ID, msg.Recipient, resp.MessageID())
	s.events.Publish(ctx, domain.Event{
		Type:     domain.EventMessageSent,
		TenantID: msg.TenantID,
		Data: map[string]any{
			"messageId":         msg.ID,
			"providerMessageId": resp.MessageID(),
			"campaignId":        msg.CampaignID,
		},
		Time: sentAt,
	})

	return nil
}

// consume takes one token from the bucket at key and maps a denial to the
// queue error that matches finalAttempt.
func (s *MessageSender) consume(ctx context.Context, msg *domain.Message, key string, maxTokens, refillPerSecond float64, finalAttempt bool) error {
	res := s.limiter.Consume(ctx, key, maxTokens, refillPerSecond, 1)
	if res.Allowed {
		return nil
	}
	limited := &domain.RateLimitedError{Key: key, RetryAfter: res.RetryAfter}
	if finalAttempt {
		s.fail(ctx, msg, limited.Error())
		return queue.Fatal(limited)
	}
	return queue.Throttle(limited, res.RetryAfter)
}

func (s *MessageSender) handleDeliveryFailure(ctx context.Context, msg *domain.Message, err error) error {
	errorMessage := err.Error()

	if pe, ok := domain.AsProviderError(err); ok {
		if pe.Message != "" {
			errorMessage = pe.Message
		}
		if pe.IsAuthFailure() {
			routingID := pe.RoutingID
			if routingID == "" {
				routingID = msg.RoutingID
			}
			s.credentials.InvalidateCredential(ctx, routingID, "provider rejected credential: "+pe.Message)
		}
	}

	logger.Warnf("Delivery of message %d failed: %v", msg.ID, err)
	s.fail(ctx, msg, errorMessage)

	return fmt.Errorf("delivery of message %d failed: %w", msg.ID, err)
}

// fail records the terminal FAILED status. A message already finalized by
// another worker is left untouched.
func (s *MessageSender) fail(ctx context.Context, msg *domain.Message, errorMessage string) {
	ctx = context.WithoutCancel(ctx)
	failedAt := s.now()

	if err := s.messages.MarkAsFailed(ctx, msg.ID, errorMessage, failedAt); err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			return
		}
		logger.Errorf("Failed to mark message %d as failed: %v", msg.ID, err)
		return
	}

	s.events.Publish(ctx, domain.Event{
		Type:     domain.EventMessageFailed,
		TenantID: msg.TenantID,
		Data: map[string]any{
			"messageId":  msg.ID,
			"error":      errorMessage,
			"campaignId": msg.CampaignID,
		},
		Time: failedAt,
	})
}
