// Package learners is the learner directory: the id, username and email the
// pipeline needs to address outbound credentials and to retire accounts.
package learners

import (
	"strings"

	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

type Learner struct {
	ID       id.LearnerID
	Username string
	Email    string
	Name     string
	Active   bool
}

// Validate checks the fields every stored learner must carry.
func (l Learner) Validate() error {
	if l.ID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "learner id is required")
	}
	if strings.TrimSpace(l.Username) == "" {
		return dErrors.New(dErrors.CodeValidation, "username is required")
	}
	if len(l.Username) > 150 {
		return dErrors.New(dErrors.CodeValidation, "username too long")
	}
	if !strings.Contains(l.Email, "@") {
		return dErrors.New(dErrors.CodeValidation, "email is invalid")
	}
	return nil
}
