// Package store persists outbound delivery records.
package store

import (
	"context"
	"sort"
	"sync"

	"accredit/internal/awarding/models"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type deliveryKey struct {
	learner id.LearnerID
	kind    models.Kind
	subject string
}

type InMemory struct {
	mu         sync.RWMutex
	deliveries map[deliveryKey]models.Delivery
}

func NewInMemory() *InMemory {
	return &InMemory{deliveries: make(map[deliveryKey]models.Delivery)}
}

func keyOf(d models.Delivery) deliveryKey {
	return deliveryKey{learner: d.LearnerID, kind: d.Kind, subject: d.Subject}
}

func (s *InMemory) Get(_ context.Context, learner id.LearnerID, kind models.Kind, subject string) (models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryKey{learner: learner, kind: kind, subject: subject}]
	if !ok {
		return models.Delivery{}, sentinel.ErrNotFound
	}
	return d, nil
}

// Save inserts or replaces the record for the delivery's key. The stored
// id and creation time win over the caller's.
func (s *InMemory) Save(_ context.Context, d models.Delivery) (models.Delivery, error) {
	if err := d.Validate(); err != nil {
		return models.Delivery{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(d)
	if existing, ok := s.deliveries[k]; ok {
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
	}
	s.deliveries[k] = d
	return d, nil
}

func (s *InMemory) ListForLearner(_ context.Context, learner id.LearnerID) ([]models.Delivery, error) {
	return s.collect(func(d models.Delivery) bool { return d.LearnerID == learner }), nil
}

func (s *InMemory) ListDelivered(_ context.Context, learner id.LearnerID, kind models.Kind) ([]models.Delivery, error) {
	return s.collect(func(d models.Delivery) bool {
		return d.LearnerID == learner && d.Kind == kind && d.Outcome == models.OutcomeDelivered
	}), nil
}

func (s *InMemory) collect(match func(models.Delivery) bool) []models.Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Delivery, 0)
	for _, d := range s.deliveries {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}
