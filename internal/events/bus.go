package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"accredit/pkg/platform/outbox"
)

// Handler reacts to one event. Handlers must be idempotent: the outbox relay
// redelivers an event when any handler for it failed.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process publish/subscribe dispatcher. Handlers run
// sequentially on the publishing goroutine in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[Type][]subscription), logger: logger}
}

// Subscribe registers handler for t. name identifies the handler in logs.
func (b *Bus) Subscribe(t Type, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscription{name: name, handler: handler})
}

// Publish dispatches e to every subscriber of e.Type. A failing handler does
// not stop the others; all failures are returned joined.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[e.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, e); err != nil {
			b.logger.ErrorContext(ctx, "event handler failed",
				"handler", s.name,
				"event_type", e.Type,
				"event_id", e.ID,
				"learner_id", e.Learner.String(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// OutboxPublisher returns an outbox.Publisher that decodes relayed domain
// events and dispatches them on the bus.
func (b *Bus) OutboxPublisher() outbox.Publisher {
	return outbox.PublisherFunc(func(ctx context.Context, entry outbox.Entry) error {
		if !Type(entry.EventType).Known() {
			// Notification intents and other foreign entries are for the
			// broker mirror only.
			return nil
		}
		e, err := Decode(entry.Payload)
		if err != nil {
			b.logger.ErrorContext(ctx, "dropping undecodable outbox entry",
				"entry_id", entry.ID,
				"event_type", entry.EventType,
				"error", err,
			)
			return nil
		}
		return b.Publish(ctx, e)
	})
}
