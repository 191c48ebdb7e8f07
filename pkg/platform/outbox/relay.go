package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Relay drains unpublished entries to its publishers. Entries are published in
// append order; the first failure stops the batch so later entries never
// overtake an earlier one.
type Relay struct {
	store      Store
	publishers []Publisher
	logger     *slog.Logger
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

type RelayOption func(*Relay)

func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

func NewRelay(store Store, publishers []Publisher, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if len(publishers) == 0 {
		return nil, errors.New("at least one publisher is required")
	}
	r := &Relay{
		store:      store,
		publishers: publishers,
		logger:     slog.Default(),
		interval:   500 * time.Millisecond,
		batchSize:  100,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "outbox drain stopped early", "error", err)
			}
		}
	}
}

// Drain publishes until the outbox is empty or a publish fails. It returns
// the number of entries marked published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	published := 0
	for {
		entries, err := r.store.Unpublished(ctx, r.batchSize)
		if err != nil {
			return published, fmt.Errorf("load unpublished entries: %w", err)
		}
		if len(entries) == 0 {
			return published, nil
		}
		for _, entry := range entries {
			if err := r.publish(ctx, entry); err != nil {
				return published, err
			}
			if err := r.store.MarkPublished(ctx, entry.ID, r.now()); err != nil {
				return published, fmt.Errorf("mark entry %s published: %w", entry.ID, err)
			}
			published++
		}
	}
}

func (r *Relay) publish(ctx context.Context, entry Entry) error {
	for _, p := range r.publishers {
		if err := p.Publish(ctx, entry); err != nil {
			return fmt.Errorf("publish %s %s: %w", entry.EventType, entry.ID, err)
		}
	}
	return nil
}
