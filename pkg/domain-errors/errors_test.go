package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode_WalksWrappedChain(t *testing.T) {
	inner := New(CodeConflict, "duplicate certificate")
	outer := Wrap(inner, CodeInternal, "create failed")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.True(t, HasCode(outer, CodeConflict))
	assert.False(t, HasCode(outer, CodeNotFound))
}

func TestIs_OnlyOutermostCode(t *testing.T) {
	inner := New(CodeConflict, "duplicate certificate")
	outer := Wrap(inner, CodeInternal, "create failed")

	assert.True(t, Is(outer, CodeInternal))
	assert.False(t, Is(outer, CodeConflict))
}

func TestWrap_PreservesCauseForErrorsIs(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(fmt.Errorf("post: %w", cause), CodeUnavailable, "credentials service")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeUnavailable, CodeOf(err))
	assert.Nil(t, Wrap(nil, CodeInternal, "noop"))
}

func TestCodeOf_UncodedDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
