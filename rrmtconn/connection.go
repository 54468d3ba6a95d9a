// Package rrmtconn implements the Connection façade (§4.5): the ergonomic
// "send this request frame and await its response frame" operations built
// on top of a flowhandler.Handler.
package rrmtconn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rrmt/flowhandler"
	"rrmt/frame"
)

// Connection is the per-socket façade exposed to the Authorization state
// machine and to command-execution callers. It shares only message-passing
// handles with the underlying Flow Handler tasks (§3 "ownership summary").
type Connection struct {
	handler    *flowhandler.Handler
	role       frame.Role
	machineID  [16]byte
	authorized bool
	log        *zap.Logger
}

// New wraps an already-running Flow Handler in a Connection façade.
func New(handler *flowhandler.Handler, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{handler: handler, role: handler.Role, log: log}
}

// Role reports whether this connection's local side is Client or Server.
func (c *Connection) Role() frame.Role { return c.role }

// Authorized reports whether a successful Accept has been observed (§3
// "Connection state"). Set only by the Authorization state machine.
func (c *Connection) Authorized() bool { return c.authorized }

// SetAuthorized is called by the Authorization state machine once it
// reaches the Authorized state.
func (c *Connection) SetAuthorized(v bool) { c.authorized = v }

// Done is signalled once the underlying Flow Handler terminates.
func (c *Connection) Done() <-chan struct{} { return c.handler.Done() }

// Send performs a fire-and-forget transmit: no flow byte is reserved, no
// reply is awaited. It is used only for flow 0x00 traffic — heartbeats are
// the sole unsolicited, no-reply frame in this protocol (§4.5).
func (c *Connection) Send(f *frame.Frame) error {
	return c.handler.Writer.Transmit(0x00, f, nil, time.Time{})
}

// Request reserves a flow byte, transmits f on it, awaits a single reply
// within ctx's deadline (or the default 60s timeout if ctx carries none),
// and always releases the flow byte before returning — on success, on
// error, and on ctx cancellation alike (§4.5, §5).
//
// If the reply's type is not among expected, a synthetic Error(not-expected)
// frame is returned without re-reading the wire (§4.5).
func (c *Connection) Request(ctx context.Context, f *frame.Frame, expected []frame.Type) (*frame.Frame, error) {
	flow, err := c.handler.Writer.RequestFlowByte()
	if err != nil {
		return nil, err
	}
	defer c.handler.Writer.ReturnFlowByte(flow)

	deadline := time.Now().Add(flowhandler.DefaultRequestTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	reply := make(chan flowhandler.WaitResult, 1)
	if err := c.handler.Writer.Transmit(flow, f, reply, deadline); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, res.Err
		}
		if !typeExpected(res.Frame.Type, expected) {
			return frame.NewError(frame.ErrCodeNotExpected, "", res.Frame.Conversation), nil
		}
		return res.Frame, nil
	case <-ctx.Done():
		// Drop our backlog entry before the deferred ReturnFlowByte makes
		// this flow byte eligible for reuse, so a late reply to this
		// abandoned request can never be misdelivered to whoever reserves
		// the byte next (§4.2, §4.5).
		c.handler.CancelWait(flow, reply)
		return nil, ctx.Err()
	}
}

// Inbound yields frames the remote side sent without this side having
// registered a waiter for them — the server side's only way to observe a
// client-initiated request (the initial Authorize, above all) since the
// server never calls Request on its own behalf (§4.6).
func (c *Connection) Inbound() <-chan *frame.Frame { return c.handler.Unsolicited() }

// Reply transmits f, fire-and-forget, on f.Conversation — the flow byte an
// Inbound frame arrived on. The remote side is the one with a Request
// waiter registered on that flow, so no reply-wait is needed here.
func (c *Connection) Reply(f *frame.Frame) error {
	return c.handler.Writer.Transmit(f.Conversation, f, nil, time.Time{})
}

func typeExpected(t frame.Type, expected []frame.Type) bool {
	for _, e := range expected {
		if e == t {
			return true
		}
	}
	return false
}
