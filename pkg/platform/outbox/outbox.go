// Package outbox implements the transactional outbox: domain writes append an
// Entry in the same transaction as the state change, and the Relay publishes
// entries in append order after commit.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one pending domain event.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Store persists outbox entries. Append joins the transaction carried on ctx
// when there is one.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Unpublished(ctx context.Context, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

// Publisher delivers an entry downstream. Implementations must tolerate
// redelivery of the same entry ID.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, entry Entry) error

func (f PublisherFunc) Publish(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// NewEntry builds an entry with a fresh ID.
func NewEntry(aggregateType, aggregateID, eventType string, payload []byte, now time.Time) Entry {
	return Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     now,
	}
}
