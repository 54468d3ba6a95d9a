package interceptor

import (
	"context"

	"golang.org/x/time/rate"

	"rrmt/frame"
)

// RateLimit guards against a remote flooding requests over this connection
// (e.g. repeated Authorize attempts, or a burst of Execute dispatches) using
// a token-bucket limiter, exactly the algorithm the teacher's rate-limit
// middleware used for RPC calls. The limiter is created once, in the outer
// closure, and shared across every call through this interceptor — creating
// it per-request would hand every request a fresh, full bucket and defeat
// the limit entirely.
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
			if !limiter.Allow() {
				return frame.NewError(frame.ErrCodeServerError, "rate limit exceeded", f.Conversation), nil
			}
			return next(ctx, f)
		}
	}
}
