// Package events defines the domain events that flow between the certificate
// store, the evaluator and the awarding pipeline, and the in-process Bus that
// carries them.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "accredit/pkg/domain"
	"accredit/pkg/platform/outbox"
)

type Type string

const (
	TypeGradeChanged        Type = "GradeChanged"
	TypeVerificationChanged Type = "VerificationChanged"
	TypeCertCreated         Type = "CertCreated"
	TypeCertChanged         Type = "CertChanged"
	TypeCertAwarded         Type = "CertAwarded"
	TypeCertRevoked         Type = "CertRevoked"
)

// Known reports whether t is one of the domain event types above.
func (t Type) Known() bool {
	switch t {
	case TypeGradeChanged, TypeVerificationChanged, TypeCertCreated,
		TypeCertChanged, TypeCertAwarded, TypeCertRevoked:
		return true
	}
	return false
}

// Event is the envelope for every domain event. Exactly one of the payload
// pointers is set, matching Type.
type Event struct {
	ID           uuid.UUID     `json:"id"`
	Type         Type          `json:"type"`
	OccurredAt   time.Time     `json:"occurred_at"`
	Learner      id.LearnerID  `json:"learner_id"`
	Course       id.CourseKey  `json:"course_key,omitempty"`
	Certificate  *Certificate  `json:"certificate,omitempty"`
	Grade        *Grade        `json:"grade,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Certificate describes a certificate state change.
type Certificate struct {
	UUID      uuid.UUID `json:"uuid"`
	Mode      string    `json:"mode"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status"`
	Grade     *float64  `json:"grade,omitempty"`
	Version   int64     `json:"version"`
	Reason    string    `json:"reason,omitempty"`
}

// Grade is an inbound grade recomputation.
type Grade struct {
	Percent *float64 `json:"percent,omitempty"`
	Passing bool     `json:"passing"`
	Mode    string   `json:"mode"`
	// Rerun forces regeneration of an already downloadable certificate.
	Rerun bool `json:"rerun,omitempty"`
}

// Verification is an identity-verification status change.
type Verification struct {
	ID        id.VerificationID `json:"id"`
	Status    string            `json:"status"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

func newEvent(t Type, learner id.LearnerID, course id.CourseKey, at time.Time) Event {
	return Event{ID: uuid.New(), Type: t, OccurredAt: at, Learner: learner, Course: course}
}

func NewGradeChanged(learner id.LearnerID, course id.CourseKey, g Grade, at time.Time) Event {
	e := newEvent(TypeGradeChanged, learner, course, at)
	e.Grade = &g
	return e
}

func NewVerificationChanged(learner id.LearnerID, v Verification, at time.Time) Event {
	e := newEvent(TypeVerificationChanged, learner, "", at)
	e.Verification = &v
	return e
}

func NewCertificateEvent(t Type, learner id.LearnerID, course id.CourseKey, c Certificate, at time.Time) Event {
	e := newEvent(t, learner, course, at)
	e.Certificate = &c
	return e
}

// AggregateID keys events so that everything for one learner and course
// stays ordered.
func (e Event) AggregateID() string {
	if e.Course == "" {
		return e.Learner.String()
	}
	return e.Learner.String() + "|" + string(e.Course)
}

// ToOutbox encodes the event as an outbox entry.
func (e Event) ToOutbox(aggregateType string) (outbox.Entry, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return outbox.Entry{
		ID:            e.ID,
		AggregateType: aggregateType,
		AggregateID:   e.AggregateID(),
		EventType:     string(e.Type),
		Payload:       payload,
		CreatedAt:     e.OccurredAt,
	}, nil
}

// Decode parses an event payload.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return e, nil
}
