package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherIsDeterministicAndCaseInsensitive(t *testing.T) {
	h, err := NewHasher("retired__user_{}", "retired__user_{}@retired.invalid", []string{"old", "new"})
	require.NoError(t, err)

	// sha1("new" + "alice")
	assert.Equal(t, "retired__user_e81bdc12823acdf329995f0f3cdb4df447cb6907", h.RetiredUsername("alice"))
	assert.Equal(t, h.RetiredUsername("alice"), h.RetiredUsername("Alice"))
	assert.Equal(t, h.RetiredUsername("alice"), h.RetiredUsername("alice"))
	assert.Contains(t, h.RetiredEmail("Alice@Example.com"), "@retired.invalid")

	all := h.AllRetiredUsernames("alice")
	require.Len(t, all, 2)
	assert.Equal(t, h.RetiredUsername("alice"), all[1])
	assert.NotEqual(t, all[0], all[1])
}

func TestNewHasherValidates(t *testing.T) {
	_, err := NewHasher("retired", "retired__{}", []string{"s"})
	assert.Error(t, err)
	_, err = NewHasher("retired__{}", "retired__{}", nil)
	assert.Error(t, err)
}
