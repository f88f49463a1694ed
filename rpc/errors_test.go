package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, OK, CodeOf(nil))

	wrapped := WrapError(ObjectGone, errors.New("boom"), "stub %d exhausted", 7)
	require.Equal(t, ObjectGone, CodeOf(wrapped))
	require.Contains(t, wrapped.Error(), "stub 7 exhausted")
	require.Contains(t, wrapped.Error(), "boom")

	require.Equal(t, TransportError, CodeOf(errors.New("not ours")))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewError(ZoneNotFound, "no route")
	b := NewError(ZoneNotFound, "different message, same code")
	c := NewError(TransportError, "different code entirely")

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, c))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := WrapError(TimeoutError, cause, "deadline exceeded")
	require.ErrorIs(t, wrapped, cause)
}
