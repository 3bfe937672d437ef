package middleware

import (
	"context"
	"time"

	"tesseract/envelope"
	"tesseract/rpcerror"
)

// Timeout bounds each request at d. The handler runs on the caller's goroutine
// with a context cancelled when d elapses; once it returns after that point the
// caller gets a timed-out error whatever the handler produced. A handler that
// ignores its context holds the request until it returns.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *envelope.Envelope) ([]byte, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			payload, err := next(tctx, req)
			if ctx.Err() == nil && tctx.Err() == context.DeadlineExceeded {
				return nil, rpcerror.Wrap(rpcerror.KindTimedOut, tctx.Err(), "%s: handler exceeded %s", req.Target, d)
			}
			return payload, err
		}
	}
}
