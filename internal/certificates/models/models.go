// Package models holds the certificate record and the certificate status
// state machine.
package models

import (
	"time"

	"github.com/google/uuid"

	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

type Status string

const (
	StatusUnavailable     Status = "unavailable"
	StatusGenerating      Status = "generating"
	StatusDownloadable    Status = "downloadable"
	StatusRegenerating    Status = "regenerating"
	StatusError           Status = "error"
	StatusNotPassing      Status = "notpassing"
	StatusUnverified      Status = "unverified"
	StatusAuditPassing    Status = "audit_passing"
	StatusAuditNotPassing Status = "audit_notpassing"
)

func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsPassing reports membership in the passing set. Entering it awards the
// certificate, leaving it revokes it.
func (s Status) IsPassing() bool {
	switch s {
	case StatusDownloadable, StatusGenerating, StatusAuditPassing:
		return true
	}
	return false
}

// IsIssued reports a passing certificate that is no longer waiting on
// generation or a deferral.
func (s Status) IsIssued() bool {
	return s == StatusDownloadable || s == StatusAuditPassing
}

type Mode string

const (
	ModeHonor            Mode = "honor"
	ModeVerified         Mode = "verified"
	ModeProfessional     Mode = "professional"
	ModeNoIDProfessional Mode = "no-id-professional"
	ModeCredit           Mode = "credit"
	ModeAudit            Mode = "audit"
)

func (m Mode) IsValid() bool {
	switch m {
	case ModeHonor, ModeVerified, ModeProfessional, ModeNoIDProfessional, ModeCredit, ModeAudit:
		return true
	}
	return false
}

// IsCreditEligible reports whether certificates in this mode are pushed to
// the credentials service and count towards programs.
func (m Mode) IsCreditEligible() bool {
	switch m {
	case ModeVerified, ModeProfessional, ModeNoIDProfessional, ModeCredit:
		return true
	}
	return false
}

// RequiresVerification reports whether issuing in this mode needs a valid
// or pending identity verification.
func (m Mode) RequiresVerification() bool {
	return m == ModeVerified || m == ModeCredit
}

// Certificate is the record for one (learner, course) pair.
type Certificate struct {
	LearnerID      id.LearnerID
	CourseKey      id.CourseKey
	UUID           uuid.UUID
	Mode           Mode
	Status         Status
	Grade          *float64
	DownloadURL    string
	VerificationID *id.VerificationID
	CreatedAt      time.Time
	ModifiedAt     time.Time
	// Version increments on every write and is the optimistic concurrency
	// token.
	Version int64
}

// Validate checks the record invariants.
func (c Certificate) Validate() error {
	if c.LearnerID.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "certificate learner is required")
	}
	if c.CourseKey == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "certificate course is required")
	}
	if c.UUID == uuid.Nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "certificate uuid is required")
	}
	if !c.Mode.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, "invalid certificate mode: "+string(c.Mode))
	}
	if !c.Status.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, "invalid certificate status: "+string(c.Status))
	}
	if c.Status.IsPassing() && c.Grade == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "passing certificate requires a grade")
	}
	if c.Grade != nil && (*c.Grade < 0 || *c.Grade > 1) {
		return dErrors.New(dErrors.CodeInvariantViolation, "grade out of range")
	}
	if c.ModifiedAt.Before(c.CreatedAt) {
		return dErrors.New(dErrors.CodeInvariantViolation, "modified_at precedes created_at")
	}
	return nil
}

// Clone returns a deep copy.
func (c Certificate) Clone() Certificate {
	out := c
	if c.Grade != nil {
		g := *c.Grade
		out.Grade = &g
	}
	if c.VerificationID != nil {
		v := *c.VerificationID
		out.VerificationID = &v
	}
	return out
}

// Filter narrows ListModified. Zero values are unbounded.
type Filter struct {
	Courses []id.CourseKey
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}
