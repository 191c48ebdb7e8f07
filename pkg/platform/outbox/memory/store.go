// Package memory is the in-process outbox store used by tests and the
// single-node deployment.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"accredit/pkg/platform/outbox"
	"accredit/pkg/platform/sentinel"
)

type Store struct {
	mu      sync.Mutex
	entries []outbox.Entry
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, entry outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *Store) Unpublished(_ context.Context, limit int) ([]outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Entry, 0, limit)
	for _, e := range s.entries {
		if e.PublishedAt != nil {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].PublishedAt = &at
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *Store) PurgePublished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var purged int64
	for _, e := range s.entries {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

// All returns a copy of every entry, published or not.
func (s *Store) All() []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Entry(nil), s.entries...)
}
