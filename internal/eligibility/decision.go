// Package eligibility decides what should happen to a learner's certificate
// for one course. Decide is pure: every input is a snapshot and the result
// depends on nothing else.
package eligibility

import (
	"time"

	"accredit/internal/certificates/models"
)

// Decision is one of IssueOrUpdate, Hide, DeferUntil, Revoke or NoChange.
type Decision interface {
	decision()
}

// IssueOrUpdate creates the certificate or moves it to Status.
type IssueOrUpdate struct {
	Status models.Status
	Mode   models.Mode
	Grade  *float64
	// Upgrade is set when an audit certificate moves after a mode change.
	Upgrade bool
}

// Hide suppresses the outcome entirely; nothing is stored.
type Hide struct {
	Reason string
}

// DeferUntil holds the certificate in generating until At.
type DeferUntil struct {
	At    time.Time
	Mode  models.Mode
	Grade *float64
}

// Revoke moves the certificate to unavailable.
type Revoke struct {
	Reason string
}

// NoChange leaves the record as it is. RecheckAt asks for another decision
// at that time, which keeps a deferred certificate on schedule.
type NoChange struct {
	Reason    string
	RecheckAt *time.Time
}

func (IssueOrUpdate) decision() {}
func (Hide) decision()          {}
func (DeferUntil) decision()    {}
func (Revoke) decision()        {}
func (NoChange) decision()      {}
