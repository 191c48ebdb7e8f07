package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "accredit/pkg/domain-errors"
)

func newTokens(t *testing.T, now func() time.Time) *ServiceTokens {
	t.Helper()
	s, err := NewServiceTokens("test-signing-key", "test-issuer", "credentials_service_user", WithClock(now))
	require.NoError(t, err)
	return s
}

func Test_IssueAndValidate(t *testing.T) {
	now := time.Now()
	tokens := newTokens(t, func() time.Time { return now })

	token, err := tokens.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "credentials_service_user", claims.Username)
	assert.Equal(t, "credentials_service_user", claims.Subject)
	assert.True(t, claims.Administrator)
	assert.WithinDuration(t, now.Add(5*time.Minute), claims.ExpiresAt.Time, time.Second)
}

func Test_NewServiceTokensRequiresKey(t *testing.T) {
	_, err := NewServiceTokens("", "issuer", "user")
	require.Error(t, err)
}

func Test_ValidateRejectsGarbage(t *testing.T) {
	tokens := newTokens(t, time.Now)
	_, err := tokens.Validate("invalid-token-string")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateRejectsExpired(t *testing.T) {
	issuedAt := time.Now().Add(-time.Hour)
	old := newTokens(t, func() time.Time { return issuedAt })
	token, err := old.Issue()
	require.NoError(t, err)

	_, err = newTokens(t, time.Now).Validate(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func Test_ValidateRejectsOtherKey(t *testing.T) {
	token, err := newTokens(t, time.Now).Issue()
	require.NoError(t, err)

	other, err := NewServiceTokens("another-key", "test-issuer", "credentials_service_user")
	require.NoError(t, err)
	_, err = other.Validate(token)
	require.Error(t, err)
}
