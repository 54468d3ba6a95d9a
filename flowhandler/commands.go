package flowhandler

import (
	"time"

	"rrmt/frame"
)

// WaitResult is delivered to a waiter's reply channel exactly once: either a
// decoded frame arrived on the watched flow byte, or the deadline passed.
type WaitResult struct {
	Frame *frame.Frame
	Err   error
}

// waiter is an entry in the Reader task's pending-reply backlog. At most one
// waiter per flow byte is ever live.
type waiter struct {
	flow     byte
	reply    chan<- WaitResult
	deadline time.Time
}

// reserveRequest is the Writer task's RequestFlowByte command.
type reserveRequest struct {
	reply chan<- reserveResult
}

type reserveResult struct {
	flow byte
	err  error
}

// transmitRequest is the Writer task's Transmit command. The frame is
// encoded with Flow as its conversation byte (the frame value itself is left
// unchanged), so callers only need to set the frame's type and payload.
//
// If Reply is non-nil, the command additionally registers a waiter with the
// Reader task carrying Flow, Reply, and Deadline (§4.2); Done reports only
// whether the frame was written to the socket, never the eventual reply.
type transmitRequest struct {
	flow     byte
	frame    *frame.Frame
	reply    chan<- WaitResult
	deadline time.Time
	done     chan<- error
}

// DefaultRequestTimeout is the default deadline (§4.2, §5) given to a
// request's registered waiter when the caller does not override it.
const DefaultRequestTimeout = 60 * time.Second

// cancelRequest asks the Reader task to drop a backlog entry abandoned by
// its caller (ctx cancelled before a reply arrived). It carries the reply
// channel, not just the flow byte, so the Reader only ever removes the
// exact waiter the caller registered — never a newer one that has since
// reserved the same flow byte (§4.2 "flow bytes are reused once returned").
type cancelRequest struct {
	flow  byte
	reply chan<- WaitResult
}
