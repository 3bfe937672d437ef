package middleware

import (
	"context"
	"time"

	"tesseract/envelope"
	"tesseract/metrics"
)

// Metrics records a request counter and latency histogram per target and outcome.
func Metrics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *envelope.Envelope) ([]byte, error) {
			start := time.Now()
			payload, err := next(ctx, req)
			metrics.RecordServerRequest(req.Target, metrics.Outcome(err), time.Since(start))
			return payload, err
		}
	}
}
