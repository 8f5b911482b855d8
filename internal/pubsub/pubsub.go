// Package pubsub fans dispatcher events out to interested listeners.
//
// Delivery is at most once and unordered. Publish never blocks and never
// fails the caller: an event that cannot be delivered (broker down, slow
// subscriber) is logged and dropped.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, e domain.Event)
}

type Subscriber interface {
	// Subscribe returns a buffered channel of events and a function that
	// releases the subscription and closes the channel.
	Subscribe(ctx context.Context, buffer int) (<-chan domain.Event, func())
}

type Broker interface {
	Publisher
	Subscriber
}

const defaultBuffer = 64

// MemoryBroker is a process-local broker.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[uint64]chan domain.Event
	seq  atomic.Uint64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[uint64]chan domain.Event{}}
}

func (b *MemoryBroker) Publish(_ context.Context, e domain.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan domain.Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *MemoryBroker) Subscribe(_ context.Context, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Listen subscribes to s and calls handler for each event until ctx is done.
func Listen(ctx context.Context, s Subscriber, handler func(domain.Event)) {
	ch, unsubscribe := s.Subscribe(ctx, defaultBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) {}
