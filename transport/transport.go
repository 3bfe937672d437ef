// Package transport defines the byte-stream capability the protocol engine runs on,
// plus the two concrete streams tesseract ships with: TCP and an in-process pipe.
//
// The engine needs ordered, reliable bytes and nothing else. Envelopes are
// length-prefixed, so message boundaries do not have to survive the transport.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Transport is an ordered, reliable byte stream. Read returns io.EOF at a clean
// end of stream. Close must unblock a pending Read.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// WriteDeadliner is implemented by transports that can bound a single Write.
// net.Conn satisfies it.
type WriteDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Dial connects to addr over network ("tcp", "unix", ...). The returned
// transport is a net.Conn.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Small request envelopes should not wait on Nagle.
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Listen opens a listener whose accepted connections are transports.
func Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

// Pipe returns the two ends of a synchronous in-process stream. Bytes written on
// one end are read from the other. Both ends support write deadlines.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}
