// Package client issues calls over one multiplexed connection.
//
// A Client owns a protocol.Engine. Every Call encodes its argument with the
// configured codec, sends one Request envelope and waits on the engine's handle
// for the matching Response or Error. Many goroutines may call concurrently;
// their requests share the connection and resolve independently.
package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tesseract/codec"
	"tesseract/envelope"
	"tesseract/protocol"
	"tesseract/rpcerror"
	"tesseract/transport"
)

type Client struct {
	engine         *protocol.Engine
	codec          codec.Codec
	logger         *zap.Logger
	defaultTimeout time.Duration
}

type Option func(*clientOptions)

type clientOptions struct {
	codec          codec.Codec
	logger         *zap.Logger
	defaultTimeout time.Duration
	engineOpts     []protocol.Option
}

// WithCodec sets the codec used for arguments and replies. Default: codec.Default().
func WithCodec(c codec.Codec) Option {
	return func(o *clientOptions) { o.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithDefaultTimeout bounds calls that carry no WithTimeout option. Zero, the
// default, leaves them bounded only by their context.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.defaultTimeout = d }
}

// WithEngineOptions passes options to the underlying engine. Passing
// protocol.WithHandler lets the server side call back over the same connection.
func WithEngineOptions(opts ...protocol.Option) Option {
	return func(o *clientOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// New returns a client that calls over t. The connection opens on the first call.
func New(t transport.Transport, opts ...Option) *Client {
	o := clientOptions{codec: codec.Default(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = codec.Default()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	engineOpts := append([]protocol.Option{
		protocol.WithName("client"),
		protocol.WithLogger(o.logger),
	}, o.engineOpts...)
	return &Client{
		engine:         protocol.NewEngine(t, engineOpts...),
		codec:          o.codec,
		logger:         o.logger,
		defaultTimeout: o.defaultTimeout,
	}
}

// Dial connects to addr and returns an open client.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Client, error) {
	conn, err := transport.Dial(ctx, network, addr)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindConnectionClosed, err, "dial %s", addr)
	}
	c := New(conn, opts...)
	c.engine.Start()
	c.logger.Debug("connected", zap.String("addr", addr), zap.String("conn", c.engine.ID()))
	return c, nil
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	codec   codec.Codec
}

// WithTimeout bounds the call. The tighter of this and ctx's deadline applies.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithCallCodec overrides the client's codec for one call. The server must
// decode that target with the same codec.
func WithCallCodec(c codec.Codec) CallOption {
	return func(o *callOptions) { o.codec = c }
}

// Call invokes service.method with args and decodes the result into reply,
// which may be nil when the caller does not need it.
//
// The returned error, if any, carries an rpcerror kind: TimedOut, Cancelled,
// ConnectionClosed, Serialization, or whatever the server reported (check
// rpcerror.IsRemote to tell the two apart).
func (c *Client) Call(ctx context.Context, service, method string, args, reply any, opts ...CallOption) error {
	p, err := c.Go(ctx, service, method, args, opts...)
	if err != nil {
		return err
	}
	return p.Wait(ctx, reply)
}

// Go sends the request and returns without waiting for the result. The deadline
// derived from ctx and the call options starts now; ctx cancellation is only
// observed by Pending.Wait.
func (c *Client) Go(ctx context.Context, service, method string, args any, opts ...CallOption) (*Pending, error) {
	o := callOptions{timeout: c.defaultTimeout, codec: c.codec}
	for _, opt := range opts {
		opt(&o)
	}
	target := envelope.Target(service, method)
	start := time.Now()
	p := &Pending{target: target, codec: o.codec, start: start}

	if err := ctx.Err(); err != nil {
		return nil, p.finish(contextError(err, target))
	}
	payload, err := o.codec.Encode(args)
	if err != nil {
		return nil, p.finish(rpcerror.Wrap(rpcerror.KindSerialization, err, "%s: encode request", target))
	}

	var deadline time.Time
	if o.timeout > 0 {
		deadline = start.Add(o.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	call, err := c.engine.SendRequest(target, payload, deadline)
	if err != nil {
		return nil, p.finish(err)
	}
	p.call = call
	return p, nil
}

// Close tears the connection down; outstanding calls fail with ConnectionClosed.
func (c *Client) Close() error {
	return c.engine.Close()
}

// Shutdown stops new calls and waits for outstanding ones until ctx ends.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.engine.Shutdown(ctx)
}

func (c *Client) State() protocol.State { return c.engine.State() }

// Done is closed when the connection has closed.
func (c *Client) Done() <-chan struct{} { return c.engine.Done() }

// Err reports why the connection closed.
func (c *Client) Err() error { return c.engine.Err() }

// Engine returns the underlying engine.
func (c *Client) Engine() *protocol.Engine { return c.engine }

func contextError(err error, target string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerror.Wrap(rpcerror.KindTimedOut, err, "%s", target)
	}
	return rpcerror.Wrap(rpcerror.KindCancelled, err, "%s", target)
}
