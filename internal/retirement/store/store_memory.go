// Package store persists retirement requests and statuses.
package store

import (
	"context"
	"sort"
	"sync"

	"accredit/internal/retirement/models"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type InMemory struct {
	mu       sync.RWMutex
	requests map[id.LearnerID]models.Request
	statuses map[id.LearnerID]models.Status
}

func NewInMemory() *InMemory {
	return &InMemory{
		requests: make(map[id.LearnerID]models.Request),
		statuses: make(map[id.LearnerID]models.Status),
	}
}

// SyncStates is a no-op: the in-memory store keeps no state table.
func (s *InMemory) SyncStates(context.Context, models.States) error { return nil }

func (s *InMemory) CreateRequest(_ context.Context, req models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.LearnerID]; ok {
		return sentinel.ErrConflict
	}
	s.requests[req.LearnerID] = req
	return nil
}

func (s *InMemory) HasRequest(_ context.Context, learner id.LearnerID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.requests[learner]
	return ok, nil
}

func (s *InMemory) DeleteRequest(_ context.Context, learner id.LearnerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[learner]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.requests, learner)
	return nil
}

func (s *InMemory) CreateStatus(_ context.Context, st models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[st.LearnerID]; ok {
		return sentinel.ErrConflict
	}
	s.statuses[st.LearnerID] = st.Clone()
	return nil
}

func (s *InMemory) GetStatus(_ context.Context, learner id.LearnerID) (models.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[learner]
	if !ok {
		return models.Status{}, sentinel.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *InMemory) GetStatusByUsername(_ context.Context, originalUsername string) (models.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.statuses {
		if st.OriginalUsername == originalUsername {
			return st.Clone(), nil
		}
	}
	return models.Status{}, sentinel.ErrNotFound
}

// UpdateStatus replaces the stored status if its current state still equals
// expectedState.
func (s *InMemory) UpdateStatus(_ context.Context, st models.Status, expectedState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.statuses[st.LearnerID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.CurrentState != expectedState {
		return sentinel.ErrStale
	}
	s.statuses[st.LearnerID] = st.Clone()
	return nil
}

func (s *InMemory) DeleteStatus(_ context.Context, learner id.LearnerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[learner]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.statuses, learner)
	return nil
}

func (s *InMemory) ListStatuses(_ context.Context) ([]models.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalUsername < out[j].OriginalUsername })
	return out, nil
}
