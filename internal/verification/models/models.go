// Package models holds identity-verification attempts and their state
// machine.
package models

import (
	"fmt"
	"time"

	"accredit/internal/events"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusMustRetry Status = "must_retry"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusError     Status = "error"
)

var transitions = map[Status][]Status{
	StatusCreated:   {StatusReady, StatusSubmitted, StatusError},
	StatusReady:     {StatusSubmitted, StatusError},
	StatusSubmitted: {StatusApproved, StatusDenied, StatusMustRetry, StatusError},
	StatusMustRetry: {StatusSubmitted, StatusApproved, StatusDenied, StatusError},
	StatusApproved:  {StatusMustRetry},
	StatusError:     {StatusSubmitted},
	StatusDenied:    {},
}

func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsDecided reports whether the vendor already ruled on the attempt.
func (s Status) IsDecided() bool {
	return s == StatusApproved || s == StatusDenied
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attempt is one verification submission. Only status-related fields change
// after creation.
type Attempt struct {
	ID              id.VerificationID
	LearnerID       id.LearnerID
	Status          Status
	ReceiptID       string
	FaceImageKey    string
	IDImageKey      string
	CopyIDPhotoFrom *id.VerificationID
	SubmittedAt     *time.Time
	ExpiresAt       *time.Time
	ErrorReason     string
	ErrorCode       string
	EverApproved    bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidOrPending reports whether the attempt counts towards certificate
// eligibility at now. An attempt expiring exactly at now does not.
func (a Attempt) ValidOrPending(now time.Time) bool {
	switch a.Status {
	case StatusSubmitted, StatusMustRetry, StatusApproved:
	default:
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Change is a requested status change.
type Change struct {
	To          Status
	ExpiresAt   *time.Time
	ErrorReason string
	ErrorCode   string
	At          time.Time
}

// Apply validates c against a and returns the updated attempt.
func Apply(a Attempt, c Change) (Attempt, error) {
	if !CanTransition(a.Status, c.To) {
		return Attempt{}, dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("illegal verification transition %s -> %s", a.Status, c.To))
	}
	next := a
	next.Status = c.To
	next.UpdatedAt = c.At
	switch c.To {
	case StatusApproved:
		if c.ExpiresAt == nil || !c.ExpiresAt.After(c.At) {
			return Attempt{}, dErrors.New(dErrors.CodeInvariantViolation, "approval requires a future expiry")
		}
		exp := *c.ExpiresAt
		next.ExpiresAt = &exp
		next.EverApproved = true
		next.ErrorReason, next.ErrorCode = "", ""
	case StatusSubmitted:
		at := c.At
		next.SubmittedAt = &at
	case StatusDenied, StatusMustRetry, StatusError:
		next.ErrorReason = c.ErrorReason
		next.ErrorCode = c.ErrorCode
	}
	return next, nil
}

// ChangedEvent is published for every stored status.
func ChangedEvent(a Attempt) events.Event {
	var exp *time.Time
	if a.ExpiresAt != nil {
		e := *a.ExpiresAt
		exp = &e
	}
	return events.NewVerificationChanged(a.LearnerID, events.Verification{
		ID:        a.ID,
		Status:    string(a.Status),
		ExpiresAt: exp,
	}, a.UpdatedAt)
}
