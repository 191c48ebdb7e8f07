package models

import (
	"fmt"
	"time"

	"accredit/internal/events"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

var transitions = map[Status][]Status{
	StatusUnavailable:     {StatusGenerating, StatusNotPassing, StatusDownloadable, StatusUnverified, StatusAuditPassing, StatusAuditNotPassing},
	StatusGenerating:      {StatusDownloadable, StatusError, StatusNotPassing},
	StatusDownloadable:    {StatusUnavailable, StatusRegenerating},
	StatusRegenerating:    {StatusDownloadable, StatusError},
	StatusError:           {StatusGenerating, StatusUnavailable},
	StatusNotPassing:      {StatusGenerating, StatusDownloadable, StatusUnavailable},
	StatusUnverified:      {StatusGenerating, StatusNotPassing, StatusUnavailable},
	StatusAuditPassing:    {},
	StatusAuditNotPassing: {},
}

// upgrades apply only when the learner left audit mode.
var upgrades = map[Status][]Status{
	StatusAuditPassing:    {StatusDownloadable},
	StatusAuditNotPassing: {StatusNotPassing, StatusDownloadable},
}

func allowed(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is a single legal step. A
// same-status write is an update, not a transition, and is always legal.
func CanTransition(from, to Status, upgrade bool) bool {
	if from == to {
		return true
	}
	if allowed(transitions, from, to) {
		return true
	}
	return upgrade && allowed(upgrades, from, to)
}

// Path returns the statuses a certificate moves through to reach to. Targets
// not directly reachable go through generating, which is how an unverified
// or errored certificate becomes downloadable.
func Path(from, to Status, upgrade bool) ([]Status, error) {
	if !from.IsValid() || !to.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("unknown certificate status %q -> %q", from, to))
	}
	if CanTransition(from, to, upgrade) {
		return []Status{to}, nil
	}
	if CanTransition(from, StatusGenerating, upgrade) && CanTransition(StatusGenerating, to, upgrade) {
		return []Status{StatusGenerating, to}, nil
	}
	return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("illegal certificate transition %s -> %s", from, to))
}

// Transition describes a requested change to an existing certificate.
type Transition struct {
	To             Status
	Grade          *float64
	Mode           Mode
	DownloadURL    *string
	VerificationID *id.VerificationID
	// Upgrade permits leaving a terminal audit status after a mode change.
	Upgrade bool
	// Revocation permits moving any status to unavailable. Only the
	// retirement and invalidation paths set it.
	Revocation bool
	Reason     string
	At         time.Time
}

// Apply validates t against c and returns the updated record together with
// the statuses visited. The input is not modified.
func Apply(c Certificate, t Transition) (Certificate, []Status, error) {
	var (
		hops []Status
		err  error
	)
	if t.Revocation && t.To == StatusUnavailable && c.Status != StatusUnavailable {
		hops = []Status{StatusUnavailable}
	} else if hops, err = Path(c.Status, t.To, t.Upgrade); err != nil {
		return Certificate{}, nil, err
	}
	next := c.Clone()
	next.Status = t.To
	if t.Grade != nil {
		g := *t.Grade
		next.Grade = &g
	}
	if t.Mode != "" {
		next.Mode = t.Mode
	}
	if t.DownloadURL != nil {
		next.DownloadURL = *t.DownloadURL
	}
	if t.VerificationID != nil {
		v := *t.VerificationID
		next.VerificationID = &v
	}
	if t.At.After(next.ModifiedAt) {
		next.ModifiedAt = t.At
	}
	next.Version = c.Version + 1
	if err := next.Validate(); err != nil {
		return Certificate{}, nil, err
	}
	return next, hops, nil
}

// ChangeEvents returns the events emitted by moving through hops starting at
// from. Every step emits CertChanged; entering the passing set also emits
// CertAwarded and leaving it emits CertRevoked.
func ChangeEvents(c Certificate, from Status, hops []Status, reason string) []events.Event {
	var out []events.Event
	prev := from
	for _, to := range hops {
		payload := certificatePayload(c, prev, to, reason)
		out = append(out, events.NewCertificateEvent(events.TypeCertChanged, c.LearnerID, c.CourseKey, payload, c.ModifiedAt))
		switch {
		case !prev.IsPassing() && to.IsPassing():
			out = append(out, events.NewCertificateEvent(events.TypeCertAwarded, c.LearnerID, c.CourseKey, payload, c.ModifiedAt))
		case prev.IsPassing() && !to.IsPassing():
			out = append(out, events.NewCertificateEvent(events.TypeCertRevoked, c.LearnerID, c.CourseKey, payload, c.ModifiedAt))
		}
		prev = to
	}
	return out
}

// CreateEvents returns the events for a newly created certificate.
func CreateEvents(c Certificate) []events.Event {
	payload := certificatePayload(c, "", c.Status, "")
	out := []events.Event{
		events.NewCertificateEvent(events.TypeCertCreated, c.LearnerID, c.CourseKey, payload, c.CreatedAt),
	}
	if c.Status.IsPassing() {
		out = append(out, events.NewCertificateEvent(events.TypeCertAwarded, c.LearnerID, c.CourseKey, payload, c.CreatedAt))
	}
	return out
}

func certificatePayload(c Certificate, from, to Status, reason string) events.Certificate {
	p := events.Certificate{
		UUID:      c.UUID,
		Mode:      string(c.Mode),
		OldStatus: string(from),
		NewStatus: string(to),
		Version:   c.Version,
		Reason:    reason,
	}
	if c.Grade != nil {
		g := *c.Grade
		p.Grade = &g
	}
	return p
}
