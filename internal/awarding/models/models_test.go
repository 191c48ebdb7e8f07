package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

func TestDeliveryLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDelivery(id.LearnerID(uuid.New()), KindCourseCredential, "course-v1:edX+DemoX+2026", now)
	require.NoError(t, d.Validate())
	assert.Equal(t, OutcomePending, d.Outcome)

	d.MarkRetrying(errors.New("status 503"), 503, now.Add(2*time.Second), now)
	assert.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.NextAttemptAt)
	assert.False(t, d.AlreadyDelivered("abc"))

	d.MarkDelivered("abc", 4, 201, now.Add(time.Minute))
	assert.Equal(t, 2, d.Attempts)
	assert.True(t, d.Terminal)
	assert.Nil(t, d.NextAttemptAt)
	assert.Equal(t, int64(4), d.Version)
	assert.True(t, d.AlreadyDelivered("abc"))
	assert.False(t, d.AlreadyDelivered("def"))

	d.Invalidate(now.Add(2 * time.Minute))
	assert.False(t, d.AlreadyDelivered("abc"))

	d.MarkFailed(errors.New("status 400"), 400, now.Add(3*time.Minute))
	assert.True(t, d.Terminal)
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Equal(t, 1, d.Attempts, "a new chain restarts the count")
}

func TestExhaustKeepsAttemptCount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDelivery(id.LearnerID(uuid.New()), KindProgramCredential, uuid.NewString(), now)
	d.MarkRetrying(errors.New("status 502"), 502, now.Add(time.Second), now)

	d.Exhaust(errors.New("max retries exceeded"), now.Add(time.Minute))
	assert.Equal(t, 1, d.Attempts)
	assert.True(t, d.Terminal)
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Nil(t, d.NextAttemptAt)
	assert.Equal(t, 502, d.LastStatus)
}

func TestDeliveryValidate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		d    Delivery
	}{
		{"missing learner", NewDelivery(id.LearnerID{}, KindRevocation, "x", now)},
		{"bad kind", NewDelivery(id.LearnerID(uuid.New()), Kind("email"), "x", now)},
		{"missing subject", NewDelivery(id.LearnerID(uuid.New()), KindProgramCredential, "", now)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestPayloadHashIsStable(t *testing.T) {
	type body struct {
		Username string `json:"username"`
		Status   string `json:"status"`
	}
	a, err := PayloadHash(body{"alice", "awarded"})
	require.NoError(t, err)
	b, err := PayloadHash(body{"alice", "awarded"})
	require.NoError(t, err)
	c, err := PayloadHash(body{"alice", "revoked"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
