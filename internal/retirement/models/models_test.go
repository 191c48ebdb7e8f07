package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

func TestDefaultStatesAreOrdered(t *testing.T) {
	states, err := NewStates(DefaultStates())
	require.NoError(t, err)
	assert.Equal(t, StatePending, states.Initial().Name)
	for i := 1; i < len(states); i++ {
		assert.Less(t, states[i-1].Order, states[i].Order)
	}
	complete, ok := states.Find(StateComplete)
	require.True(t, ok)
	assert.True(t, complete.Terminal())
}

func TestNewStatesRejectsDuplicates(t *testing.T) {
	_, err := NewStates([]State{{Name: "A", Order: 1}, {Name: "B", Order: 1}})
	assert.True(t, IsStateError(err))

	_, err = NewStates([]State{{Name: "A", Order: 1}, {Name: "A", Order: 2}})
	assert.True(t, IsStateError(err))

	_, err = NewStates(nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeRetirementState))
}

func TestCompleteSuffixIsTerminal(t *testing.T) {
	assert.True(t, State{Name: "FORUMS_COMPLETE"}.Terminal())
	assert.True(t, State{Name: "ERRORED", DeadEnd: true}.Terminal())
	assert.False(t, State{Name: "RETIRING_FORUMS"}.Terminal())
}

func TestCanMove(t *testing.T) {
	states := DefaultStates()
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatePending, StateRetiringForums, true},
		{StatePending, StateComplete, true},
		{StateRetiringLMS, StateErrored, true},
		{StateRetiringForums, StateRetiringForums, false},
		{StateRetiringCredentials, StateRetiringForums, false},
		{StateComplete, StateAborted, false},
		{StateErrored, StateComplete, false},
		{StatePending, "NOPE", false},
		{"NOPE", StateComplete, false},
	}
	for _, tc := range cases {
		t.Run(tc.from+"->"+tc.to, func(t *testing.T) {
			err := states.CanMove(tc.from, tc.to)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsStateError(err))
		})
	}
}

func TestAdvanceAppendsResponses(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := Status{
		LearnerID:    id.LearnerID(uuid.New()),
		CurrentState: StatePending,
		LastState:    StatePending,
		Responses:    []string{"created"},
		CreatedAt:    created,
		ModifiedAt:   created,
	}
	require.NoError(t, st.Advance(DefaultStates(), StateRetiringForums, "forums queued", created.Add(time.Hour)))
	assert.Equal(t, StateRetiringForums, st.CurrentState)
	assert.Equal(t, StatePending, st.LastState)
	assert.Len(t, st.Responses, 2)
	assert.Contains(t, st.Responses[1], "forums queued")
	assert.Equal(t, created.Add(time.Hour), st.ModifiedAt)

	err := st.Advance(DefaultStates(), StatePending, "back", created.Add(2*time.Hour))
	assert.True(t, IsStateError(err))
	assert.Len(t, st.Responses, 2)
}

func TestActionableIn(t *testing.T) {
	states := append(DefaultStates(), State{Name: "FORUMS_COMPLETE", Order: 3})
	for name, ok := range map[string]bool{
		StatePending:        false,
		StateRetiringForums: true,
		"FORUMS_COMPLETE":   false,
		StateErrored:        false,
	} {
		err := Status{OriginalUsername: "bob", CurrentState: name}.ActionableIn(states)
		assert.Equal(t, ok, err == nil, name)
	}
}
