// Package domain holds typed identifiers shared by every bounded context.
//
// Identifiers are parsed once at trust boundaries (HTTP, Kafka, CLI) and then
// passed around as distinct types so a learner id can never be handed to a
// function expecting a program uuid.
package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "accredit/pkg/domain-errors"
)

type (
	LearnerID      uuid.UUID
	VerificationID uuid.UUID
	DeliveryID     uuid.UUID
	TaskID         uuid.UUID
	ProgramUUID    uuid.UUID
)

func parseUUID(kind, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if !utf8.ValidString(s) || len(s) > 64 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" must not be nil")
	}
	return u, nil
}

func ParseLearnerID(s string) (LearnerID, error) {
	u, err := parseUUID("learner id", s)
	return LearnerID(u), err
}

func ParseVerificationID(s string) (VerificationID, error) {
	u, err := parseUUID("verification id", s)
	return VerificationID(u), err
}

func ParseDeliveryID(s string) (DeliveryID, error) {
	u, err := parseUUID("delivery id", s)
	return DeliveryID(u), err
}

func ParseTaskID(s string) (TaskID, error) {
	u, err := parseUUID("task id", s)
	return TaskID(u), err
}

func ParseProgramUUID(s string) (ProgramUUID, error) {
	u, err := parseUUID("program uuid", s)
	return ProgramUUID(u), err
}

func (id LearnerID) String() string      { return uuid.UUID(id).String() }
func (id VerificationID) String() string { return uuid.UUID(id).String() }
func (id DeliveryID) String() string     { return uuid.UUID(id).String() }
func (id TaskID) String() string         { return uuid.UUID(id).String() }
func (id ProgramUUID) String() string    { return uuid.UUID(id).String() }

func (id LearnerID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id VerificationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ProgramUUID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// CourseKey identifies a course run, e.g. "course-v1:MITx+6.002x+2025_T1".
// The legacy slash form "MITx/6.002x/2012_Fall" is also accepted.
type CourseKey string

const courseKeyPrefix = "course-v1:"

// ParseCourseKey validates the structure of a course run key.
func ParseCourseKey(s string) (CourseKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "course key is required")
	}
	if !utf8.ValidString(s) || len(s) > 255 || strings.ContainsAny(s, " \x00") {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid course key")
	}
	var parts []string
	if rest, ok := strings.CutPrefix(s, courseKeyPrefix); ok {
		parts = strings.Split(rest, "+")
	} else {
		parts = strings.Split(s, "/")
	}
	if len(parts) != 3 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid course key")
	}
	for _, p := range parts {
		if p == "" {
			return "", dErrors.New(dErrors.CodeInvalidInput, "invalid course key")
		}
	}
	return CourseKey(s), nil
}

// Org returns the organization segment of the key.
func (k CourseKey) Org() string {
	s := string(k)
	if rest, ok := strings.CutPrefix(s, courseKeyPrefix); ok {
		org, _, _ := strings.Cut(rest, "+")
		return org
	}
	org, _, _ := strings.Cut(s, "/")
	return org
}

func (k CourseKey) String() string { return string(k) }

func (id LearnerID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *LearnerID) UnmarshalText(b []byte) error {
	parsed, err := ParseLearnerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id VerificationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *VerificationID) UnmarshalText(b []byte) error {
	parsed, err := ParseVerificationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ProgramUUID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *ProgramUUID) UnmarshalText(b []byte) error {
	parsed, err := ParseProgramUUID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id DeliveryID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id TaskID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
