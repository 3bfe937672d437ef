package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"tesseract/envelope"
	"tesseract/rpcerror"
)

// RateLimit admits requests through a token bucket of r requests per second with
// the given burst. Rejected requests fail with a remote error the caller can
// retry later.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *envelope.Envelope) ([]byte, error) {
			if !limiter.Allow() {
				return nil, rpcerror.New(rpcerror.KindRemote, "%s: rate limit exceeded", req.Target)
			}
			return next(ctx, req)
		}
	}
}
