package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseract/envelope"
)

var _ Transport = net.Conn(nil)

func TestPipeCarriesEnvelopes(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	want := &envelope.Envelope{Kind: envelope.KindRequest, CorrelationID: 7, Target: "Echo.Say", Payload: []byte(`"hi"`)}
	go func() {
		_ = envelope.Write(a, want, envelope.DefaultLimits())
	}()

	got, err := envelope.Read(b, envelope.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPipeCloseUnblocksRead(t *testing.T) {
	a, b := Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := envelope.Read(b, envelope.DefaultLimits())
		done <- err
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestDialAndListen(t *testing.T) {
	l, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan Transport, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := Dial(ctx, "tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var _ WriteDeadliner = conn

	want := &envelope.Envelope{Kind: envelope.KindCancel, CorrelationID: 11}
	require.NoError(t, envelope.Write(conn, want, envelope.DefaultLimits()))

	server := <-accepted
	defer server.Close()
	got, err := envelope.Read(server, envelope.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
