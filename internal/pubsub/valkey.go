package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// ValkeyBroker publishes events as JSON on a single Valkey channel so every
// dispatcher process and external listener can observe them.
type ValkeyBroker struct {
	client    valkey.Client
	channel   string
	opTimeout time.Duration
}

func NewValkeyBroker(client valkey.Client, channel string, opTimeout time.Duration) *ValkeyBroker {
	if channel == "" {
		channel = "dispatch:events"
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &ValkeyBroker{client: client, channel: channel, opTimeout: opTimeout}
}

func (b *ValkeyBroker) Publish(ctx context.Context, e domain.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		logger.Warnf("Dropping %s event: %v", e.Type, err)
		return
	}

	// The caller's context may already be done once its job finished.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opTimeout)
	defer cancel()

	cmd := b.client.B().Publish().Channel(b.channel).Message(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		logger.Warnf("Failed to publish %s event: %v", e.Type, err)
	}
}

func (b *ValkeyBroker) Subscribe(ctx context.Context, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(ch)

		err := b.client.Receive(ctx, b.client.B().Subscribe().Channel(b.channel).Build(), func(msg valkey.PubSubMessage) {
			var e domain.Event
			if err := json.Unmarshal([]byte(msg.Message), &e); err != nil {
				logger.Warnf("Ignoring malformed event on %s: %v", b.channel, err)
				return
			}
			select {
			case ch <- e:
			default:
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Errorf("Event subscription on %s ended: %v", b.channel, err)
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
