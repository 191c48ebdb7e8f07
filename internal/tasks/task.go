// Package tasks is a durable delayed-job queue. Tasks sharing a key never
// run concurrently, and a pending task is coalesced with a newer enqueue of
// the same name and key.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "accredit/pkg/domain"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

type Task struct {
	ID          id.TaskID
	Name        string
	Key         string
	Payload     json.RawMessage
	Attempt     int
	RunAt       time.Time
	Status      Status
	LastError   string
	LockedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New builds a pending task with payload encoded as JSON.
func New(name, key string, payload any, runAt, now time.Time) (Task, error) {
	if name == "" || key == "" {
		return Task{}, errors.New("task name and key are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Task{
		ID:        id.TaskID(uuid.New()),
		Name:      name,
		Key:       key,
		Payload:   raw,
		RunAt:     runAt,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	return nil
}

// Store persists tasks. Implementations must guarantee that ClaimDue never
// hands out a task whose key already has a running task.
type Store interface {
	// Enqueue inserts t, or folds it into the pending task with the same
	// name and key: the payload is replaced and the earlier RunAt kept.
	Enqueue(ctx context.Context, t Task) (Task, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	Complete(ctx context.Context, taskID id.TaskID, now time.Time) error
	// Retry returns a running task to pending at runAt. When a newer pending
	// task with the same name and key exists the retried one is closed
	// instead, since the newer task covers it.
	Retry(ctx context.Context, taskID id.TaskID, runAt time.Time, lastErr string, now time.Time) error
	Dead(ctx context.Context, taskID id.TaskID, lastErr string, now time.Time) error
	// ReleaseExpired returns running tasks whose lease ended to pending.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, taskID id.TaskID) (Task, error)
}

// RetryError asks the runner to run the task again after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

func RetryAfter(err error, delay time.Duration) error {
	return &RetryError{Delay: delay, Err: err}
}

// PermanentError marks a failure the runner must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

const maxBackoff = 2047 * time.Second

// Backoff is 2^attempt seconds capped at 2047s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 11 {
		return maxBackoff
	}
	d := time.Duration(1<<attempt) * time.Second
	return min(d, maxBackoff)
}
