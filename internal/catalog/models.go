// Package catalog is the read-model of course and program metadata consumed
// by eligibility decisions and program fan-out.
package catalog

import (
	"context"
	"slices"
	"time"

	id "accredit/pkg/domain"
)

type DisplayBehavior string

const (
	DisplayEarlyWithInfo DisplayBehavior = "early_with_info"
	DisplayEarlyNoInfo   DisplayBehavior = "early_no_info"
	DisplayEnd           DisplayBehavior = "end"
	DisplayEndWithDate   DisplayBehavior = "end_with_date"
)

func (d DisplayBehavior) IsValid() bool {
	switch d {
	case DisplayEarlyWithInfo, DisplayEarlyNoInfo, DisplayEnd, DisplayEndWithDate:
		return true
	}
	return false
}

// CourseView is a value snapshot of one course run.
type CourseView struct {
	Key                      id.CourseKey    `json:"key"`
	Org                      string          `json:"org"`
	SelfPaced                bool            `json:"self_paced"`
	Start                    *time.Time      `json:"start,omitempty"`
	End                      *time.Time      `json:"end,omitempty"`
	CertificateAvailableDate *time.Time      `json:"certificate_available_date,omitempty"`
	DisplayBehavior          DisplayBehavior `json:"display_behavior"`
	HasActiveWebCertificate  bool            `json:"has_active_web_certificate"`
	Whitelist                []id.LearnerID  `json:"whitelist,omitempty"`
}

// Ended reports whether the course end has been reached at now.
func (c CourseView) Ended(now time.Time) bool {
	return c.End != nil && !now.Before(*c.End)
}

func (c CourseView) IsWhitelisted(learner id.LearnerID) bool {
	return slices.Contains(c.Whitelist, learner)
}

// AvailableDate is the date a certificate for this course becomes visible to
// the learner: the configured certificate available date for instructor-paced
// runs, else the course end for end-gated runs, else the certificate's own
// modification time.
func (c CourseView) AvailableDate(certModified time.Time) time.Time {
	if !c.SelfPaced {
		if c.CertificateAvailableDate != nil {
			return *c.CertificateAvailableDate
		}
		if (c.DisplayBehavior == DisplayEnd || c.DisplayBehavior == DisplayEndWithDate) && c.End != nil {
			return *c.End
		}
	}
	return certModified
}

type VisibleDatePolicy string

const (
	VisibleImmediate                 VisibleDatePolicy = "immediate"
	VisibleLatestCourseAvailableDate VisibleDatePolicy = "latest_course_available_date"
)

// ProgramView is a read-only program definition.
type ProgramView struct {
	UUID              id.ProgramUUID    `json:"uuid"`
	Title             string            `json:"title"`
	Org               string            `json:"org"`
	CredentialType    string            `json:"credential_type"`
	CourseKeys        []id.CourseKey    `json:"course_keys"`
	VisibleDatePolicy VisibleDatePolicy `json:"visible_date_policy"`
}

func (p ProgramView) Contains(course id.CourseKey) bool {
	return slices.Contains(p.CourseKeys, course)
}

// Reader is the catalog read surface. Lookups of unknown keys return
// sentinel.ErrNotFound.
type Reader interface {
	GetCourse(ctx context.Context, key id.CourseKey) (CourseView, error)
	GetProgramsContaining(ctx context.Context, key id.CourseKey) ([]ProgramView, error)
	GetProgram(ctx context.Context, uuid id.ProgramUUID) (ProgramView, error)
	ListPrograms(ctx context.Context) ([]ProgramView, error)
}
