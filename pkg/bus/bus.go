// Package bus fans domain events out to in-process observers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultBufferSize = 100

// Handler observes one event. Returned errors and panics are logged and
// never reach the publisher.
type Handler func(ctx context.Context, event Event) error

// Subscription identifies a registered handler.
type Subscription uint64

type EventBus struct {
	log   *slog.Logger
	limit int

	mu       sync.RWMutex
	handlers map[Subscription]Handler
	next     Subscription
}

type Option func(*EventBus)

// WithConcurrency caps how many handlers run at once per Publish.
func WithConcurrency(limit int) Option {
	return func(b *EventBus) { b.limit = limit }
}

func New(log *slog.Logger, opts ...Option) *EventBus {
	if log == nil {
		log = slog.Default()
	}

	b := &EventBus{
		log:      log.With("component", "bus"),
		handlers: make(map[Subscription]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler. Publishes already in flight do not see it.
func (b *EventBus) Subscribe(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.handlers[b.next] = handler
	return b.next
}

// Unsubscribe removes sub and reports whether it was registered.
func (b *EventBus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[sub]; !ok {
		return false
	}
	delete(b.handlers, sub)
	return true
}

func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Clear removes every handler.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.handlers)
}

// Publish delivers event to every handler registered at call time, running
// them concurrently and returning once all have settled.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	handlers := b.snapshot()
	if len(handlers) == 0 {
		return
	}

	var g errgroup.Group
	if b.limit > 0 {
		g.SetLimit(b.limit)
	}
	for _, h := range handlers {
		g.Go(func() error {
			if err := b.invoke(ctx, h, event); err != nil {
				b.log.Error("Event handler failed", "event", event.Type, "event_id", event.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *EventBus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]Subscription, 0, len(b.handlers))
	for sub := range b.handlers {
		subs = append(subs, sub)
	}
	slices.Sort(subs)

	handlers := make([]Handler, 0, len(subs))
	for _, sub := range subs {
		handlers = append(handlers, b.handlers[sub])
	}
	return handlers
}

func (b *EventBus) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, event)
}

// SubscribeChan streams events into a buffered channel. Events are dropped
// when the buffer is full. The channel closes on unsubscribe or when ctx ends.
func (b *EventBus) SubscribeChan(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	sub := b.Subscribe(func(_ context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()

		if closed {
			return nil
		}
		select {
		case ch <- event:
		default:
			b.log.Debug("Dropping event for slow subscriber", "event", event.Type)
		}
		return nil
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.Unsubscribe(sub)

			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}

	stop := context.AfterFunc(ctx, release)
	return ch, func() {
		stop()
		release()
	}
}
