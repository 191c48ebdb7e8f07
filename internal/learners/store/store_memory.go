package store

import (
	"context"
	"sync"

	"accredit/internal/learners"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type InMemory struct {
	mu         sync.RWMutex
	byID       map[id.LearnerID]learners.Learner
	byUsername map[string]id.LearnerID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:       make(map[id.LearnerID]learners.Learner),
		byUsername: make(map[string]id.LearnerID),
	}
}

func (s *InMemory) Create(_ context.Context, l learners.Learner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[l.ID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.byUsername[l.Username]; ok {
		return sentinel.ErrConflict
	}
	s.byID[l.ID] = l
	s.byUsername[l.Username] = l.ID
	return nil
}

func (s *InMemory) Get(_ context.Context, learnerID id.LearnerID) (learners.Learner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byID[learnerID]
	if !ok {
		return learners.Learner{}, sentinel.ErrNotFound
	}
	return l, nil
}

func (s *InMemory) GetByUsername(_ context.Context, username string) (learners.Learner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	learnerID, ok := s.byUsername[username]
	if !ok {
		return learners.Learner{}, sentinel.ErrNotFound
	}
	return s.byID[learnerID], nil
}

func (s *InMemory) UpdateUsernameIfEquals(_ context.Context, learnerID id.LearnerID, current, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[learnerID]
	if !ok || l.Username != current {
		return false, nil
	}
	if other, taken := s.byUsername[next]; taken && other != learnerID {
		return false, sentinel.ErrConflict
	}
	delete(s.byUsername, current)
	l.Username = next
	s.byID[learnerID] = l
	s.byUsername[next] = learnerID
	return true, nil
}

func (s *InMemory) Retire(_ context.Context, learnerID id.LearnerID, username, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[learnerID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if other, taken := s.byUsername[username]; taken && other != learnerID {
		return sentinel.ErrConflict
	}
	delete(s.byUsername, l.Username)
	l.Username = username
	l.Email = email
	l.Name = ""
	l.Active = false
	s.byID[learnerID] = l
	s.byUsername[username] = learnerID
	return nil
}
