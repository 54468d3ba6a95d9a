package interceptor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rrmt/frame"
)

// Logging records the frame type, flow byte, and duration of each request,
// and the error if one occurred. Mirrors the teacher's logging middleware,
// but with structured zap fields instead of a formatted string (§9.1).
func Logging(log *zap.Logger) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
			start := time.Now()
			resp, err := next(ctx, f)
			fields := []zap.Field{
				zap.String("request_type", f.Type.String()),
				zap.Uint8("flow", f.Conversation),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				log.Warn("request failed", append(fields, zap.Error(err))...)
			case resp != nil:
				log.Debug("request completed", append(fields, zap.String("response_type", resp.Type.String()))...)
			default:
				log.Debug("request produced no reply", fields...)
			}
			return resp, err
		}
	}
}
