// Package flowhandler implements the per-connection, full-duplex, multiplexed
// framing engine (the "Flow Handler") described in §2 and §4 of the RRMT
// design: a Writer task owning the write half and the flow allocation
// table, a Reader task owning the read half and the pending-reply backlog,
// and a Heartbeat task coordinating liveness — three cooperating tasks that
// communicate only by message passing, never by shared mutable state.
package flowhandler

import (
	"net"
	"time"

	"go.uber.org/zap"

	"rrmt/frame"
)

// Handler wires the Writer, Reader, and Heartbeat tasks onto one
// connection and starts all three as goroutines.
type Handler struct {
	Role      frame.Role
	Writer    *Writer
	Reader    *Reader
	Heartbeat *Heartbeat

	unsolicited chan *frame.Frame
	done        chan struct{}
}

// New starts the Flow Handler for conn under the given role. The three
// tasks run until the socket breaks or the handler's owner stops using it;
// there is no explicit Stop — closing conn is what ends the tasks.
func New(conn net.Conn, role frame.Role, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	heartbeatSignal := make(chan struct{}, 1)
	unsolicited := make(chan *frame.Frame, 32)
	malformed := make(chan *frame.Frame, 8)
	reader := newReader(conn, role, heartbeatSignal, unsolicited, malformed, log)
	writer := newWriter(conn, role, reader.RegisterChan(), reader.Closed(), log)
	hb := newHeartbeat(role, writer, heartbeatSignal, log)

	h := &Handler{Role: role, Writer: writer, Reader: reader, Heartbeat: hb, unsolicited: unsolicited, done: make(chan struct{})}

	go writer.run()
	go reader.run()
	go hb.run()
	go h.watch()
	go h.forwardMalformed(malformed)

	return h
}

// forwardMalformed relays synthetic Error(format-error) replies from the
// Reader to the Writer as fire-and-forget transmits, until the Writer
// terminates (§9 "cyclic handles avoided" — the Reader never holds the
// Writer directly; it only ever sends on a channel the Handler drains).
func (h *Handler) forwardMalformed(malformed <-chan *frame.Frame) {
	for {
		select {
		case f, ok := <-malformed:
			if !ok {
				return
			}
			if err := h.Writer.Transmit(f.Conversation, f, nil, time.Time{}); err != nil {
				return
			}
		case <-h.Writer.Closed():
			return
		}
	}
}

// watch closes Done once either the Writer or the Reader terminates —
// a broken half is a broken connection (§5 "a broken socket terminates the
// handler").
func (h *Handler) watch() {
	select {
	case <-h.Writer.Closed():
	case <-h.Reader.Closed():
	}
	close(h.done)
}

// Done is signalled once this Flow Handler has terminated.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Unsolicited yields frames that arrived on a flow byte with no registered
// waiter — the server's only way to observe a client-initiated request such
// as the initial Authorize, since the server never calls Request for those.
func (h *Handler) Unsolicited() <-chan *frame.Frame { return h.unsolicited }

// CancelWait asks the Reader task to drop the backlog entry for (flow,
// reply), if it is still the one registered there. Callers abandoning a
// Request on ctx cancellation must call this before the flow byte can be
// reused, or a late reply risks being delivered to whoever reserves that
// byte next (§4.2, §4.5).
func (h *Handler) CancelWait(flow byte, reply chan<- WaitResult) {
	select {
	case h.Reader.CancelChan() <- cancelRequest{flow: flow, reply: reply}:
	case <-h.Reader.Closed():
	}
}
