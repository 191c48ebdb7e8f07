package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accredit/internal/events"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

var now = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func submitted() Attempt {
	at := now.Add(-time.Hour)
	return Attempt{
		ID:          id.VerificationID(uuid.New()),
		LearnerID:   id.LearnerID(uuid.New()),
		Status:      StatusSubmitted,
		ReceiptID:   uuid.NewString(),
		SubmittedAt: &at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestApply(t *testing.T) {
	t.Run("approval sets expiry and history", func(t *testing.T) {
		exp := now.Add(365 * 24 * time.Hour)
		got, err := Apply(submitted(), Change{To: StatusApproved, ExpiresAt: &exp, At: now})
		require.NoError(t, err)
		assert.True(t, got.EverApproved)
		assert.Equal(t, exp, *got.ExpiresAt)
	})

	t.Run("approval without future expiry is rejected", func(t *testing.T) {
		_, err := Apply(submitted(), Change{To: StatusApproved, ExpiresAt: &now, At: now})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("denied is terminal", func(t *testing.T) {
		denied, err := Apply(submitted(), Change{To: StatusDenied, ErrorReason: "blurry", At: now})
		require.NoError(t, err)
		assert.Equal(t, "blurry", denied.ErrorReason)
		_, err = Apply(denied, Change{To: StatusSubmitted, At: now})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("approved can only fall back to must_retry", func(t *testing.T) {
		a := submitted()
		a.Status = StatusApproved
		assert.True(t, CanTransition(a.Status, StatusMustRetry))
		assert.False(t, CanTransition(a.Status, StatusDenied))
	})
}

func TestValidOrPending(t *testing.T) {
	a := submitted()
	assert.True(t, a.ValidOrPending(now))

	a.Status = StatusApproved
	exp := now
	a.ExpiresAt = &exp
	assert.False(t, a.ValidOrPending(now), "expiring exactly now is expired")
	assert.True(t, a.ValidOrPending(now.Add(-time.Second)))

	a.Status = StatusDenied
	a.ExpiresAt = nil
	assert.False(t, a.ValidOrPending(now))
}

func TestChangedEvent(t *testing.T) {
	a := submitted()
	e := ChangedEvent(a)
	assert.Equal(t, events.TypeVerificationChanged, e.Type)
	assert.Equal(t, a.LearnerID, e.Learner)
	assert.Equal(t, "submitted", e.Verification.Status)
}
