// Package grades keeps the latest grade seen for each learner and course so
// that certificates can be re-evaluated when something other than the grade
// changes.
package grades

import (
	"time"

	"accredit/internal/certificates/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

type Grade struct {
	LearnerID id.LearnerID
	CourseKey id.CourseKey
	Percent   *float64
	Passing   bool
	Mode      models.Mode
	GradedAt  time.Time
}

func (g Grade) Validate() error {
	if g.LearnerID.IsNil() || g.CourseKey == "" {
		return dErrors.New(dErrors.CodeValidation, "grade requires learner and course")
	}
	if !g.Mode.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid enrollment mode: "+string(g.Mode))
	}
	if g.Percent != nil && (*g.Percent < 0 || *g.Percent > 1) {
		return dErrors.New(dErrors.CodeValidation, "grade percent must be within [0, 1]")
	}
	if g.Passing && g.Percent == nil {
		return dErrors.New(dErrors.CodeValidation, "a passing grade needs a percent")
	}
	return nil
}
