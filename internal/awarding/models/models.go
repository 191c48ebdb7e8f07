// Package models holds the outbound delivery record kept for every
// credential the pipeline pushes to the credentials service.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

type Kind string

const (
	KindCourseCredential  Kind = "course-credential"
	KindProgramCredential Kind = "program-credential"
	KindRevocation        Kind = "revocation"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindCourseCredential, KindProgramCredential, KindRevocation:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Delivery is unique per (learner, kind, subject). Subject is a course key
// for course credentials and revocations, a program uuid for programs.
type Delivery struct {
	ID            id.DeliveryID
	Kind          Kind
	LearnerID     id.LearnerID
	Subject       string
	PayloadHash   string
	Version       int64
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
	LastStatus    int
	Terminal      bool
	Outcome       Outcome
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewDelivery(learner id.LearnerID, kind Kind, subject string, now time.Time) Delivery {
	return Delivery{
		ID:        id.DeliveryID(uuid.New()),
		Kind:      kind,
		LearnerID: learner,
		Subject:   subject,
		Outcome:   OutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (d Delivery) Validate() error {
	if d.LearnerID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "delivery learner is required")
	}
	if !d.Kind.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid delivery kind: "+string(d.Kind))
	}
	if d.Subject == "" {
		return dErrors.New(dErrors.CodeValidation, "delivery subject is required")
	}
	return nil
}

// AlreadyDelivered reports whether a payload with this hash has been
// accepted by the credentials service.
func (d Delivery) AlreadyDelivered(hash string) bool {
	return d.Outcome == OutcomeDelivered && d.PayloadHash != "" && d.PayloadHash == hash
}

// beginAttempt counts one POST. A terminal record starts a new chain, so
// its counter restarts.
func (d *Delivery) beginAttempt() {
	if d.Terminal {
		d.Attempts = 0
		d.Terminal = false
	}
	d.Attempts++
}

// MarkDelivered records a successful POST. Attempts keeps the count of the
// chain it ends.
func (d *Delivery) MarkDelivered(hash string, version int64, status int, now time.Time) {
	d.beginAttempt()
	d.PayloadHash = hash
	d.Version = version
	d.NextAttemptAt = nil
	d.LastError = ""
	d.LastStatus = status
	d.Terminal = true
	d.Outcome = OutcomeDelivered
	d.UpdatedAt = now
}

// MarkRetrying records a failed attempt that will run again at next.
func (d *Delivery) MarkRetrying(err error, status int, next time.Time, now time.Time) {
	d.beginAttempt()
	d.NextAttemptAt = &next
	d.LastError = err.Error()
	d.LastStatus = status
	d.Outcome = OutcomePending
	d.UpdatedAt = now
}

// MarkFailed records a failed attempt that will not be retried.
func (d *Delivery) MarkFailed(err error, status int, now time.Time) {
	d.beginAttempt()
	d.NextAttemptAt = nil
	d.LastError = err.Error()
	d.LastStatus = status
	d.Terminal = true
	d.Outcome = OutcomeFailed
	d.UpdatedAt = now
}

// Exhaust fails a pending record without counting another attempt.
func (d *Delivery) Exhaust(err error, now time.Time) {
	d.NextAttemptAt = nil
	d.LastError = err.Error()
	d.Terminal = true
	d.Outcome = OutcomeFailed
	d.UpdatedAt = now
}

func (d *Delivery) MarkSkipped(reason string, now time.Time) {
	d.NextAttemptAt = nil
	d.LastError = reason
	d.Outcome = OutcomeSkipped
	d.UpdatedAt = now
}

// Invalidate forgets the delivered payload so the next push of the same
// content is sent again. An award after a revocation must not be swallowed
// by the idempotency check.
func (d *Delivery) Invalidate(now time.Time) {
	d.PayloadHash = ""
	d.UpdatedAt = now
}

// PayloadHash is the hex sha256 of the JSON encoding of v.
func PayloadHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
