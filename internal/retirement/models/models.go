// Package models defines retirement requests, statuses and the ordered state
// list a retirement moves through.
package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

const (
	StatePending             = "PENDING"
	StateRetiringForums      = "RETIRING_FORUMS"
	StateRetiringCredentials = "RETIRING_CREDENTIALS"
	StateRetiringLMS         = "RETIRING_LMS"
	StateErrored             = "ERRORED"
	StateAborted             = "ABORTED"
	StateComplete            = "COMPLETE"
)

// RetirementStateError reports an operation the current retirement state
// does not allow. Operators have to intervene.
type RetirementStateError struct {
	Msg string
}

func (e *RetirementStateError) Error() string { return e.Msg }

// StateError wraps a RetirementStateError in the retirement_state code so
// the HTTP layer maps it to 409.
func StateError(format string, args ...any) error {
	return dErrors.Wrap(&RetirementStateError{Msg: fmt.Sprintf(format, args...)}, dErrors.CodeRetirementState, "retirement state")
}

// IsStateError reports whether err is a RetirementStateError.
func IsStateError(err error) bool {
	var se *RetirementStateError
	return errors.As(err, &se)
}

type State struct {
	Name     string
	Order    int
	DeadEnd  bool
	Required bool
}

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s.DeadEnd || strings.HasSuffix(s.Name, "_COMPLETE")
}

// States is the declared state list ordered by execution order.
type States []State

func DefaultStates() States {
	return States{
		{Name: StatePending, Order: 1, Required: true},
		{Name: StateRetiringForums, Order: 2},
		{Name: StateRetiringCredentials, Order: 3},
		{Name: StateRetiringLMS, Order: 4},
		{Name: StateErrored, Order: 5, DeadEnd: true, Required: true},
		{Name: StateAborted, Order: 6, DeadEnd: true, Required: true},
		{Name: StateComplete, Order: 7, DeadEnd: true, Required: true},
	}
}

// NewStates sorts list by order and checks names and orders are unique.
func NewStates(list []State) (States, error) {
	if len(list) == 0 {
		return nil, StateError("no retirement states configured")
	}
	out := slices.Clone(list)
	slices.SortFunc(out, func(a, b State) int { return a.Order - b.Order })
	names := make(map[string]struct{}, len(out))
	for i, s := range out {
		if s.Name == "" {
			return nil, StateError("retirement state without a name")
		}
		if _, dup := names[s.Name]; dup {
			return nil, StateError("duplicate retirement state %s", s.Name)
		}
		names[s.Name] = struct{}{}
		if i > 0 && out[i-1].Order == s.Order {
			return nil, StateError("retirement states %s and %s share order %d", out[i-1].Name, s.Name, s.Order)
		}
	}
	return out, nil
}

// Initial is the state new retirements start in.
func (ss States) Initial() State {
	return ss[0]
}

func (ss States) Find(name string) (State, bool) {
	for _, s := range ss {
		if s.Name == name {
			return s, true
		}
	}
	return State{}, false
}

// CanMove validates a move from one named state to another.
func (ss States) CanMove(from, to string) error {
	current, ok := ss.Find(from)
	if !ok {
		return StateError("unknown current state %s", from)
	}
	if current.Terminal() {
		return StateError("unable to move retirement out of %s", from)
	}
	next, ok := ss.Find(to)
	if !ok || next.Order <= current.Order {
		return StateError("%s does not exist or is an earlier state than current state %s", to, from)
	}
	return nil
}

// Request is the tombstone recording that a learner asked to be retired.
type Request struct {
	LearnerID id.LearnerID
	CreatedAt time.Time
}

type Status struct {
	LearnerID        id.LearnerID
	OriginalUsername string
	OriginalEmail    string
	OriginalName     string
	RetiredUsername  string
	RetiredEmail     string
	CurrentState     string
	LastState        string
	Responses        []string
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// Advance moves the status to newState and appends response to the log.
func (st *Status) Advance(states States, newState, response string, now time.Time) error {
	if err := states.CanMove(st.CurrentState, newState); err != nil {
		return err
	}
	st.Responses = append(st.Responses,
		fmt.Sprintf("Moved from %s to %s:\n%s", st.CurrentState, newState, response))
	st.LastState = st.CurrentState
	st.CurrentState = newState
	if now.After(st.ModifiedAt) {
		st.ModifiedAt = now
	}
	return nil
}

// ActionableIn rejects statuses that a retirement worker must not act on:
// required states and anything ending in _COMPLETE.
func (st Status) ActionableIn(states States) error {
	current, ok := states.Find(st.CurrentState)
	if !ok {
		return StateError("unknown current state %s", st.CurrentState)
	}
	if current.Required || strings.HasSuffix(current.Name, "_COMPLETE") {
		return StateError("%s is in %s, not a valid state to perform retirement actions on", st.OriginalUsername, current.Name)
	}
	return nil
}

func (st Status) Clone() Status {
	out := st
	out.Responses = slices.Clone(st.Responses)
	return out
}
