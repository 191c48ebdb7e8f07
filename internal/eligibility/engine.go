package eligibility

import (
	"time"

	"accredit/internal/catalog"
	"accredit/internal/certificates/models"
	id "accredit/pkg/domain"
)

// Verification statuses that count as valid or pending.
const (
	verificationSubmitted = "submitted"
	verificationMustRetry = "must_retry"
	verificationApproved  = "approved"
)

// VerificationSnapshot is the learner's latest verification attempt. A zero
// value means the learner never submitted one.
type VerificationSnapshot struct {
	Status    string
	ExpiresAt *time.Time
}

// ValidOrPending reports whether the attempt is submitted, must_retry or
// approved and has not expired. An attempt expiring exactly at now is
// expired.
func (v VerificationSnapshot) ValidOrPending(now time.Time) bool {
	switch v.Status {
	case verificationSubmitted, verificationMustRetry, verificationApproved:
	default:
		return false
	}
	return v.ExpiresAt == nil || v.ExpiresAt.After(now)
}

// GradeSnapshot is the grade event that triggered the decision. Passing is
// computed by the grader; a grade equal to the cutoff is passing.
type GradeSnapshot struct {
	Percent *float64
	Passing bool
	Mode    models.Mode
}

func (g GradeSnapshot) passing() bool {
	return g.Percent != nil && g.Passing
}

type Policy struct {
	AutoCertGenEnabled bool
	HTMLCertsEnabled   bool
}

type Input struct {
	Learner      id.LearnerID
	Course       catalog.CourseView
	Certificate  *models.Certificate
	Verification VerificationSnapshot
	Grade        GradeSnapshot
	Policy       Policy
	Now          time.Time
	// Rerun is an explicit regeneration request.
	Rerun bool
}

// Decide evaluates the eligibility rules in order and post-processes the
// outcome against the current record.
func Decide(in Input) Decision {
	if in.Certificate == nil && !in.Policy.AutoCertGenEnabled {
		return NoChange{Reason: "automatic certificate generation disabled"}
	}
	return settle(in, rules(in))
}

func rules(in Input) Decision {
	mode := in.Grade.Mode
	issue := func(status models.Status) Decision {
		return IssueOrUpdate{Status: status, Mode: mode, Grade: in.Grade.Percent}
	}

	if in.Course.IsWhitelisted(in.Learner) && in.Grade.Percent != nil {
		return issue(models.StatusDownloadable)
	}
	if mode.RequiresVerification() && !in.Verification.ValidOrPending(in.Now) {
		return issue(models.StatusUnverified)
	}
	if !in.Grade.passing() {
		return issue(models.StatusNotPassing)
	}
	if !in.Course.SelfPaced && in.Course.DisplayBehavior == catalog.DisplayEnd &&
		in.Course.End != nil && !in.Course.Ended(in.Now) {
		return DeferUntil{At: *in.Course.End, Mode: mode, Grade: in.Grade.Percent}
	}
	if cad := in.Course.CertificateAvailableDate; cad != nil && cad.After(in.Now) {
		return DeferUntil{At: *cad, Mode: mode, Grade: in.Grade.Percent}
	}
	return issue(models.StatusDownloadable)
}

func settle(in Input, d Decision) Decision {
	cert := in.Certificate
	upgrade := cert != nil && cert.Mode == models.ModeAudit && in.Grade.Mode != models.ModeAudit

	switch v := d.(type) {
	case IssueOrUpdate:
		v.Status = auditStatus(v.Mode, v.Status)
		v.Upgrade = upgrade
		if in.Course.DisplayBehavior == catalog.DisplayEarlyNoInfo && !v.Status.IsPassing() &&
			(cert == nil || cert.Status != v.Status) {
			return Hide{Reason: "early_no_info hides " + string(v.Status)}
		}
		if cert == nil {
			return v
		}
		if sameRecord(cert, v) && !(in.Rerun && cert.Status == models.StatusDownloadable) {
			return NoChange{Reason: "certificate already " + string(cert.Status)}
		}
		if _, err := models.Path(cert.Status, v.Status, upgrade); err != nil {
			return NoChange{Reason: "status " + string(cert.Status) + " cannot move to " + string(v.Status)}
		}
		return v

	case DeferUntil:
		if cert == nil {
			return v
		}
		switch cert.Status {
		case models.StatusGenerating, models.StatusRegenerating:
			at := v.At
			return NoChange{Reason: "certificate already deferred", RecheckAt: &at}
		case models.StatusDownloadable:
			if !in.Rerun {
				return NoChange{Reason: "downloadable certificate does not regress"}
			}
			return v
		}
		if _, err := models.Path(cert.Status, models.StatusGenerating, upgrade); err != nil {
			return NoChange{Reason: "status " + string(cert.Status) + " cannot be deferred"}
		}
		return v
	}
	return d
}

// auditStatus maps the pass/fail outcome of an audit enrollment onto the
// audit statuses.
func auditStatus(mode models.Mode, status models.Status) models.Status {
	if mode != models.ModeAudit {
		return status
	}
	switch status {
	case models.StatusDownloadable:
		return models.StatusAuditPassing
	case models.StatusNotPassing:
		return models.StatusAuditNotPassing
	}
	return status
}

func sameRecord(cert *models.Certificate, v IssueOrUpdate) bool {
	if cert.Status != v.Status || cert.Mode != v.Mode {
		return false
	}
	switch {
	case cert.Grade == nil && v.Grade == nil:
		return true
	case cert.Grade == nil || v.Grade == nil:
		return false
	}
	return *cert.Grade == *v.Grade
}

// DecideRevocation is the only source of Revoke decisions. It is used by
// retirement and certificate invalidation.
func DecideRevocation(cert *models.Certificate, reason string) Decision {
	if cert == nil {
		return NoChange{Reason: "no certificate"}
	}
	if cert.Status == models.StatusUnavailable {
		return NoChange{Reason: "certificate already unavailable"}
	}
	return Revoke{Reason: reason}
}
