// Package store persists verification attempts. Status writes are
// compare-and-set on the previous status and append VerificationChanged to
// the outbox with the write.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"accredit/internal/verification/models"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/outbox"
	"accredit/pkg/platform/sentinel"
)

const aggregateType = "verification"

func appendChanged(ctx context.Context, ob outbox.Store, a models.Attempt) error {
	entry, err := models.ChangedEvent(a).ToOutbox(aggregateType)
	if err != nil {
		return err
	}
	return ob.Append(ctx, entry)
}

type InMemory struct {
	mu        sync.RWMutex
	attempts  map[id.VerificationID]models.Attempt
	byReceipt map[string]id.VerificationID
	outbox    outbox.Store
}

func NewInMemory(ob outbox.Store) *InMemory {
	return &InMemory{
		attempts:  make(map[id.VerificationID]models.Attempt),
		byReceipt: make(map[string]id.VerificationID),
		outbox:    ob,
	}
}

func (s *InMemory) Create(ctx context.Context, a models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.byReceipt[a.ReceiptID]; ok {
		return sentinel.ErrConflict
	}
	if err := appendChanged(ctx, s.outbox, a); err != nil {
		return err
	}
	s.attempts[a.ID] = a
	s.byReceipt[a.ReceiptID] = a.ID
	return nil
}

func (s *InMemory) Get(_ context.Context, verificationID id.VerificationID) (models.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[verificationID]
	if !ok {
		return models.Attempt{}, sentinel.ErrNotFound
	}
	return a, nil
}

func (s *InMemory) GetByReceipt(_ context.Context, receiptID string) (models.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	verificationID, ok := s.byReceipt[receiptID]
	if !ok {
		return models.Attempt{}, sentinel.ErrNotFound
	}
	return s.attempts[verificationID], nil
}

func (s *InMemory) Update(ctx context.Context, a models.Attempt, from models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.attempts[a.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != from {
		return sentinel.ErrStale
	}
	if err := appendChanged(ctx, s.outbox, a); err != nil {
		return err
	}
	s.attempts[a.ID] = a
	return nil
}

// ListForLearner returns the learner's attempts, newest first.
func (s *InMemory) ListForLearner(_ context.Context, learner id.LearnerID) ([]models.Attempt, error) {
	return s.collect(func(a models.Attempt) bool { return a.LearnerID == learner }), nil
}

func (s *InMemory) ListDependents(_ context.Context, source id.VerificationID) ([]models.Attempt, error) {
	return s.collect(func(a models.Attempt) bool {
		return a.CopyIDPhotoFrom != nil && *a.CopyIDPhotoFrom == source
	}), nil
}

func (s *InMemory) ListApprovedExpiring(_ context.Context, from, to time.Time) ([]models.Attempt, error) {
	return s.collect(func(a models.Attempt) bool {
		return a.Status == models.StatusApproved && a.ExpiresAt != nil &&
			!a.ExpiresAt.Before(from) && a.ExpiresAt.Before(to)
	}), nil
}

func (s *InMemory) collect(match func(models.Attempt) bool) []models.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Attempt
	for _, a := range s.attempts {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out
}
