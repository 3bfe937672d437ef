package protocol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tesseract/envelope"
)

// RequestHandler serves Request envelopes arriving on an engine. ctx is cancelled
// when the peer sends Cancel for this request or the connection closes.
//
// A nil error produces a Response envelope carrying the returned bytes. A non-nil
// error produces an Error envelope; errors that are not *rpcerror.Error are sent
// as internal errors.
type RequestHandler interface {
	ServeRequest(ctx context.Context, req *envelope.Envelope) ([]byte, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *envelope.Envelope) ([]byte, error)

func (f RequestHandlerFunc) ServeRequest(ctx context.Context, req *envelope.Envelope) ([]byte, error) {
	return f(ctx, req)
}

// Option configures an Engine.
type Option func(*Engine)

// WithHandler sets the handler for inbound requests. Without one the engine
// answers every request with a not-found error.
func WithHandler(h RequestHandler) Option {
	return func(e *Engine) { e.handler = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithLimits(l envelope.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithWriteTimeout bounds each envelope write on transports that support write
// deadlines. A write that times out closes the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.writeTimeout = d }
}

// WithName labels the engine in logs, e.g. "client" or "server".
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}
