// Package middleware wraps the server's request path. A middleware sees the raw
// Request envelope and the encoded result, so it works the same for every codec.
package middleware

import (
	"context"

	"tesseract/envelope"
)

// HandlerFunc serves one Request envelope and returns the encoded response
// payload or an error to send back as an Error envelope.
type HandlerFunc func(ctx context.Context, req *envelope.Envelope) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
