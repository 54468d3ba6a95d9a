package flowhandler

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"rrmt/frame"
)

// ErrNoFlowAvailable is returned by RequestFlowByte when every flow byte in
// this role's range is currently reserved (§7 "allocation errors").
var ErrNoFlowAvailable = errors.New("flowhandler: no-flow-available")

// Writer owns the write half of the connection and the flow allocation
// table (§4.2). It is driven entirely by its command channels — no other
// goroutine ever touches the table or the socket's write half directly.
type Writer struct {
	conn io.Writer
	role frame.Role
	log  *zap.Logger

	table *flowTable

	reserveCh  chan reserveRequest
	releaseCh  chan byte
	transmitCh chan transmitRequest

	// registerWaiter is the Writer's sender handle into the Reader task;
	// the Writer never reads the backlog itself (§9 "cyclic handles avoided").
	registerWaiter chan<- *waiter
	// readerClosed lets transmit() give up on a wedged registerWaiter send
	// once the Reader task is known to be gone, instead of blocking forever.
	readerClosed <-chan struct{}

	closed chan struct{}
}

// newWriter constructs a Writer. registerWaiter is the Reader's inbound
// channel for newly-registered waiters; readerClosed is the Reader's Closed
// signal.
func newWriter(conn io.Writer, role frame.Role, registerWaiter chan<- *waiter, readerClosed <-chan struct{}, log *zap.Logger) *Writer {
	return &Writer{
		conn:           conn,
		role:           role,
		log:            log,
		table:          newFlowTable(role),
		reserveCh:      make(chan reserveRequest, 32),
		releaseCh:      make(chan byte, 32),
		transmitCh:     make(chan transmitRequest, 32),
		registerWaiter: registerWaiter,
		readerClosed:   readerClosed,
		closed:         make(chan struct{}),
	}
}

// Closed is signalled once the Writer task terminates (a failed socket
// write). The Connection façade, the Heartbeat task, and the Handler observe
// this as closure.
func (w *Writer) Closed() <-chan struct{} { return w.closed }

// run is the Writer task's command loop (§4.2, §5 "no CPU-bound loop without
// yielding" — every iteration blocks on select).
func (w *Writer) run() {
	defer close(w.closed)
	for {
		select {
		case req := <-w.reserveCh:
			flow, ok := w.table.reserve()
			if !ok {
				req.reply <- reserveResult{err: ErrNoFlowAvailable}
				continue
			}
			req.reply <- reserveResult{flow: flow}

		case flow := <-w.releaseCh:
			w.table.release(flow)

		case req := <-w.transmitCh:
			if err := w.transmit(req); err != nil {
				if w.log != nil {
					w.log.Warn("writer: socket write failed, terminating task", zap.Error(err))
				}
				return
			}
		}
	}
}

func (w *Writer) transmit(req transmitRequest) error {
	// Encode a copy so the caller's frame is never mutated.
	out := *req.frame
	out.Conversation = req.flow
	// Register the waiter before writing, so it is already queued for the
	// Reader by the time any reply to this frame can arrive.
	if req.reply != nil {
		wtr := &waiter{flow: req.flow, reply: req.reply, deadline: req.deadline}
		select {
		case w.registerWaiter <- wtr:
		case <-w.readerClosed:
			// The Reader task has already terminated and will never drain
			// registerWaiter again; blocking here would wedge the Writer's
			// command loop (and, transitively, every future caller waiting
			// on w.closed) forever. Fail the reply directly instead.
			req.reply <- WaitResult{Err: ErrTransmitTimeout}
		}
	}
	err := frame.Encode(w.conn, &out)
	if req.done != nil {
		req.done <- err
	}
	return err
}

// RequestFlowByte reserves a free flow byte, or ErrNoFlowAvailable if every
// byte in this role's range is reserved (§4.2).
func (w *Writer) RequestFlowByte() (byte, error) {
	reply := make(chan reserveResult, 1)
	select {
	case w.reserveCh <- reserveRequest{reply: reply}:
	case <-w.closed:
		return 0, ErrNoFlowAvailable
	}
	res := <-reply
	return res.flow, res.err
}

// ReturnFlowByte marks flow free again. Double-return is a no-op (§4.2).
func (w *Writer) ReturnFlowByte(flow byte) {
	select {
	case w.releaseCh <- flow:
	case <-w.closed:
	}
}

// Transmit serializes f with flow as its conversation byte (f itself is not
// modified) and writes it to the socket atomically. If reply is non-nil, a
// waiter is registered with the Reader task for this flow before the frame
// is written, and so before Transmit returns.
func (w *Writer) Transmit(flow byte, f *frame.Frame, reply chan<- WaitResult, deadline time.Time) error {
	done := make(chan error, 1)
	req := transmitRequest{flow: flow, frame: f, reply: reply, deadline: deadline, done: done}
	select {
	case w.transmitCh <- req:
	case <-w.closed:
		return io.ErrClosedPipe
	}
	select {
	case err := <-done:
		return err
	case <-w.closed:
		return io.ErrClosedPipe
	}
}
