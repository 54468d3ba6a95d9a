// Package dial implements the client-side connection establishment
// described in §4.7: dial the server with exponential backoff and return
// the resulting socket. It does not start a Flow Handler on that socket.
package dial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// MaxAttempts bounds the number of dial attempts before giving up (§4.7
// "give up after 5 failed attempts").
const MaxAttempts = 5

// InitialBackoff is the wait before the second attempt; it doubles on each
// subsequent failure (§4.7 "start at 1s, double on each failure").
const InitialBackoff = 1 * time.Second

// ErrDialFailed is returned once all attempts are exhausted. The last
// underlying dial error is wrapped for diagnostics.
var ErrDialFailed = errors.New("dial: all attempts failed")

// Dialer dials TCP addresses with exponential backoff. The zero value uses
// net.Dialer's defaults.
type Dialer struct {
	net.Dialer
}

// Dial connects to addr, retrying up to MaxAttempts times with exponential
// backoff starting at InitialBackoff (there is no wait after the last
// attempt, so the total wait is 1+2+4+8 = 15s). ctx cancellation aborts the retry loop
// between attempts; it does not interrupt an in-flight dial.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	backoff := InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("%w: %v", ErrDialFailed, lastErr)
}
