package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

func TestMemoryBroker_FansOutToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	a, unsubA := b.Subscribe(ctx, 4)
	defer unsubA()
	c, unsubC := b.Subscribe(ctx, 4)
	defer unsubC()

	b.Publish(ctx, domain.Event{Type: domain.EventMessageSent, TenantID: 7})

	for _, ch := range []<-chan domain.Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, domain.EventMessageSent, e.Type)
			assert.Equal(t, int64(7), e.TenantID)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestMemoryBroker_DropsWhenSubscriberIsFull(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	ch, unsub := b.Subscribe(ctx, 1)
	defer unsub()

	b.Publish(ctx, domain.Event{Type: "first"})
	b.Publish(ctx, domain.Event{Type: "second"})

	e := <-ch
	assert.Equal(t, "first", e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestMemoryBroker_UnsubscribeClosesChannel(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	ch, unsub := b.Subscribe(ctx, 1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after everyone left is a no-op.
	b.Publish(ctx, domain.Event{Type: domain.EventWebhookStatus})
}

func TestListen_DeliversUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker()

	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Listen(ctx, b, func(e domain.Event) { got <- e.Type })
	}()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 1
	}, time.Second, time.Millisecond)

	b.Publish(ctx, domain.Event{Type: domain.EventCampaignClaimed})
	assert.Equal(t, domain.EventCampaignClaimed, <-got)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(context.Background(), domain.Event{Type: domain.EventMessageFailed})
}
