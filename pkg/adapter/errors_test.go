package adapter

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := NotFound("User not found: u_00000042")
	assert.Equal(t, "User not found: u_00000042", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsNotFound(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindNotFound}))
}

func TestWrapPreservesExistingAdapterError(t *testing.T) {
	original := Conflict("unique constraint violation")
	rewrapped := Wrap(KindDatabase, original, "context")
	assert.Same(t, original, rewrapped)
}

func TestWrapAddsContextAndCause(t *testing.T) {
	cause := errors.New("engine exploded")
	err := Wrap(KindDatabase, cause, "error listing rows")

	assert.Equal(t, "error listing rows: engine exploded", err.Error())
	assert.Equal(t, KindDatabase, KindOf(err))
	assert.True(t, errors.Is(err, cause))
}

func TestKindOfUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("anything")))
}

func TestNotSupportedHasStableMessage(t *testing.T) {
	err := NotSupported("cassandra", "fullTextSearch")
	assert.Equal(t, "cassandra does not support fullTextSearch", err.Error())
	assert.True(t, IsNotSupported(err))
}
