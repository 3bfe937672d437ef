package rpcerror

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindTimedOut, "call %d", 7)
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.False(t, errors.Is(err, ErrCancelled))

	wrapped := fmt.Errorf("client: %w", err)
	assert.True(t, errors.Is(wrapped, ErrTimedOut))
	assert.Equal(t, KindTimedOut, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindConnectionClosed, io.ErrUnexpectedEOF, "read loop")
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.Equal(t, "rpc: connection closed: read loop: unexpected EOF", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil, KindRemote))

	plain := errors.New("insufficient funds")
	e := From(plain, KindRemote)
	assert.Equal(t, KindRemote, e.Kind)
	assert.Equal(t, "insufficient funds", e.Message)

	typed := New(KindNotFound, "Echo.Shout")
	assert.Same(t, typed, From(fmt.Errorf("wrapped: %w", typed), KindRemote))
}

func TestWireRoundTripForEveryKind(t *testing.T) {
	for kind := range kindNames {
		sent := New(kind, "message for %s", kind)
		got := Unmarshal(Marshal(sent))

		require.Equal(t, kind, got.Kind)
		assert.Equal(t, sent.Message, got.Message)
		assert.True(t, got.Remote)
		assert.True(t, IsRemote(got))
		assert.True(t, errors.Is(got, &Error{Kind: kind}))
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	got := Unmarshal(nil)
	assert.Equal(t, KindFraming, got.Kind)

	got = Unmarshal([]byte{0x42, 'x'})
	assert.Equal(t, KindFraming, got.Kind)
	assert.True(t, got.Remote)
}

func TestLocalErrorIsNotRemote(t *testing.T) {
	assert.False(t, IsRemote(ErrTimedOut))
	assert.False(t, IsRemote(errors.New("plain")))
}
