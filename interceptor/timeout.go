package interceptor

import (
	"context"
	"time"

	"rrmt/frame"
)

// Timeout bounds how long a single request is allowed to take by handing the
// next handler a context that expires after d (or earlier, if the caller's
// context already carries an earlier deadline). It synthesizes no error of
// its own: on expiry the caller gets whatever the next handler returns,
// such as ctx.Err() from Connection.Request. The underlying
// Request call still owns flow-byte release on every exit path; this only
// tightens the ctx deadline handed down to it.
func Timeout(d time.Duration) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, f)
		}
	}
}
