package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tesseract/envelope"
	"tesseract/rpcerror"
)

// Logging logs every served request: successes at debug, failures at warn with
// the error kind.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *envelope.Envelope) ([]byte, error) {
			start := time.Now()
			payload, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("target", req.Target),
				zap.Uint64("id", req.CorrelationID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields,
					zap.Stringer("kind", rpcerror.KindOf(err)),
					zap.Error(err))...)
				return payload, err
			}
			logger.Debug("request served", append(fields, zap.Int("bytes", len(payload)))...)
			return payload, nil
		}
	}
}
