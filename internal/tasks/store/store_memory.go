// Package store persists tasks in memory or in postgres.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"accredit/internal/tasks"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type InMemory struct {
	mu    sync.Mutex
	tasks map[id.TaskID]tasks.Task
}

func NewInMemory() *InMemory {
	return &InMemory{tasks: make(map[id.TaskID]tasks.Task)}
}

func (s *InMemory) pendingTwin(name, key string, except id.TaskID) (tasks.Task, bool) {
	for _, t := range s.tasks {
		if t.ID != except && t.Status == tasks.StatusPending && t.Name == name && t.Key == key {
			return t, true
		}
	}
	return tasks.Task{}, false
}

func (s *InMemory) Enqueue(_ context.Context, t tasks.Task) (tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pendingTwin(t.Name, t.Key, t.ID); ok {
		existing.Payload = t.Payload
		if t.RunAt.Before(existing.RunAt) {
			existing.RunAt = t.RunAt
		}
		existing.UpdatedAt = t.UpdatedAt
		s.tasks[existing.ID] = existing
		return existing, nil
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *InMemory) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[string]bool)
	var due []tasks.Task
	for _, t := range s.tasks {
		switch {
		case t.Status == tasks.StatusRunning:
			busy[t.Key] = true
		case t.Status == tasks.StatusPending && !t.RunAt.After(now):
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].RunAt.Before(due[j].RunAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	var claimed []tasks.Task
	for _, t := range due {
		if len(claimed) == limit {
			break
		}
		if busy[t.Key] {
			continue
		}
		busy[t.Key] = true
		until := now.Add(lease)
		t.Status = tasks.StatusRunning
		t.LockedUntil = &until
		t.UpdatedAt = now
		s.tasks[t.ID] = t
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *InMemory) running(taskID id.TaskID) (tasks.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return tasks.Task{}, sentinel.ErrNotFound
	}
	if t.Status != tasks.StatusRunning {
		return tasks.Task{}, sentinel.ErrInvalidState
	}
	return t, nil
}

func (s *InMemory) close(taskID id.TaskID, status tasks.Status, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.running(taskID)
	if err != nil {
		return err
	}
	t.Status = status
	t.LastError = lastErr
	t.LockedUntil = nil
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return nil
}

func (s *InMemory) Complete(_ context.Context, taskID id.TaskID, now time.Time) error {
	return s.close(taskID, tasks.StatusDone, "", now)
}

func (s *InMemory) Dead(_ context.Context, taskID id.TaskID, lastErr string, now time.Time) error {
	return s.close(taskID, tasks.StatusDead, lastErr, now)
}

func (s *InMemory) Retry(_ context.Context, taskID id.TaskID, runAt time.Time, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.running(taskID)
	if err != nil {
		return err
	}
	t.LastError = lastErr
	t.LockedUntil = nil
	t.UpdatedAt = now
	if _, ok := s.pendingTwin(t.Name, t.Key, t.ID); ok {
		t.Status = tasks.StatusDone
	} else {
		t.Status = tasks.StatusPending
		t.Attempt++
		t.RunAt = runAt
	}
	s.tasks[taskID] = t
	return nil
}

func (s *InMemory) ReleaseExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for taskID, t := range s.tasks {
		if t.Status != tasks.StatusRunning || t.LockedUntil == nil || !t.LockedUntil.Before(now) {
			continue
		}
		t.LockedUntil = nil
		t.UpdatedAt = now
		if _, ok := s.pendingTwin(t.Name, t.Key, t.ID); ok {
			t.Status = tasks.StatusDone
			t.LastError = "lease expired; superseded"
		} else {
			t.Status = tasks.StatusPending
			t.Attempt++
			t.RunAt = now
		}
		s.tasks[taskID] = t
		released++
	}
	return released, nil
}

func (s *InMemory) Get(_ context.Context, taskID id.TaskID) (tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return tasks.Task{}, sentinel.ErrNotFound
	}
	return t, nil
}
