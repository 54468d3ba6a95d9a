// Package interceptor adapts the onion-model middleware chain (request
// logging, rate limiting, timeout) onto the Connection façade's Request
// operation. It has no role in the wire protocol itself — it is the
// cross-cutting layer wrapped around a caller's use of rrmtconn.Connection.
package interceptor

import (
	"context"

	"rrmt/frame"
)

// HandlerFunc performs one logical request: send f, await a reply.
type HandlerFunc func(ctx context.Context, f *frame.Frame) (*frame.Frame, error)

// Interceptor wraps a HandlerFunc with additional behavior, decorator-style.
type Interceptor func(next HandlerFunc) HandlerFunc

// Chain composes interceptors so the first one listed is the outermost
// layer, executed first on the way in and last on the way out:
//
//	Chain(A, B, C)(handler)  ==  A(B(C(handler)))
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
