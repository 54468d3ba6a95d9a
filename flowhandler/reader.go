package flowhandler

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"rrmt/frame"
)

// ErrTransmitTimeout is delivered to a waiter whose deadline passed before a
// reply arrived, or to every outstanding waiter when the Reader task
// terminates (§7 "protocol errors").
var ErrTransmitTimeout = errors.New("flowhandler: transmit-timeout")

// pollInterval bounds how long the Reader blocks on an empty socket before
// it comes up for air to drain newly-registered waiters and sweep expired
// ones (§4.3 "two periodic sweeps").
const pollInterval = 200 * time.Millisecond

// deadliner is implemented by net.Conn; it lets the Reader use a bounded
// peek to detect "no bytes available" without consuming the stream.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader owns the read half of the connection and the pending-reply
// backlog (§4.3). Only this task's goroutine ever touches the backlog map.
type Reader struct {
	br   *bufio.Reader
	dl   deadliner // nil if the underlying reader has no deadline support
	role frame.Role
	log  *zap.Logger

	backlog map[byte]*waiter

	registerCh  chan *waiter
	cancelCh    chan cancelRequest
	heartbeat   chan<- struct{}     // server role only: signalled on inbound flow-0x00 frame
	unsolicited chan<- *frame.Frame // frames with no matching waiter land here instead of being dropped
	malformed   chan<- *frame.Frame // Error(format-error) replies for an unknown type tag (§8 scenario 6)

	closed chan struct{}
}

// newReader constructs a Reader. conn is wrapped in a bufio.Reader so Peek
// is available regardless of the underlying stream type. heartbeatSignal
// is a buffered, unit-valued channel the Heartbeat task drains. unsolicited
// receives frames that arrive with no registered waiter (e.g. a fresh
// connection's inbound Authorize, which the server never "requested") —
// the Authorization state machine is the primary consumer. malformed
// receives synthetic Error(format-error) frames built for an inbound frame
// whose type tag the codec didn't recognize; the Handler forwards these to
// the Writer as fire-and-forget transmits.
func newReader(conn io.Reader, role frame.Role, heartbeatSignal chan<- struct{}, unsolicited chan<- *frame.Frame, malformed chan<- *frame.Frame, log *zap.Logger) *Reader {
	var dl deadliner
	if d, ok := conn.(deadliner); ok {
		dl = d
	}
	return &Reader{
		br:          bufio.NewReader(conn),
		dl:          dl,
		role:        role,
		log:         log,
		backlog:     make(map[byte]*waiter),
		registerCh:  make(chan *waiter, 32),
		cancelCh:    make(chan cancelRequest, 32),
		heartbeat:   heartbeatSignal,
		unsolicited: unsolicited,
		malformed:   malformed,
		closed:      make(chan struct{}),
	}
}

// RegisterChan returns the channel the Writer task uses to hand off newly
// reserved waiters (§9 "cyclic handles avoided" — the Writer only ever
// sends on this, never reads the backlog).
func (r *Reader) RegisterChan() chan<- *waiter { return r.registerCh }

// CancelChan returns the channel a caller abandoning a Request (ctx
// cancelled or timed out before a reply arrived) uses to ask the Reader to
// drop its backlog entry, so a late reply on a reused flow byte is never
// misdelivered to whichever request registered next (§4.3, §4.5).
func (r *Reader) CancelChan() chan<- cancelRequest { return r.cancelCh }

// Closed is signalled once the Reader task terminates (read failure or
// socket close).
func (r *Reader) Closed() <-chan struct{} { return r.closed }

// run is the Reader task's loop: decode frames, dispatch to waiters, and on
// an empty socket drain new waiters and sweep expired ones (§4.3).
func (r *Reader) run() {
	defer r.terminate()
	for {
		ready, err := r.dataReady()
		if err != nil {
			if r.log != nil {
				r.log.Warn("reader: terminating", zap.Error(err))
			}
			return
		}
		if !ready {
			r.drainRegistrations()
			r.drainCancellations()
			r.sweepExpired()
			continue
		}

		f, err := frame.Decode(r.br)
		if err != nil {
			var fe *frame.Error
			if errors.As(err, &fe) && fe.Kind == frame.KindInvalidType {
				// An unrecognized type tag is recoverable: the length field
				// was still well-formed, so the stream stayed in sync. Reply
				// Error(format-error) on the same flow and keep reading
				// instead of tearing down the task (§8 scenario 6).
				if r.log != nil {
					r.log.Warn("reader: unknown type tag, replying format-error",
						zap.Uint8("flow", fe.Conversation))
				}
				errFrame := frame.NewError(frame.ErrCodeFormatError, "", fe.Conversation)
				select {
				case r.malformed <- errFrame:
				default:
				}
				continue
			}
			if r.log != nil {
				r.log.Warn("reader: decode failed, terminating", zap.Error(err))
			}
			return
		}
		r.dispatch(f)
	}
}

// dataReady peeks one byte with a short deadline to tell an empty socket
// (would-block) apart from a closed one or a genuine read failure, without
// consuming any bytes either way.
func (r *Reader) dataReady() (bool, error) {
	if r.dl != nil {
		_ = r.dl.SetReadDeadline(time.Now().Add(pollInterval))
	}
	_, err := r.br.Peek(1)
	if err == nil {
		if r.dl != nil {
			_ = r.dl.SetReadDeadline(time.Time{})
		}
		return true, nil
	}
	if r.dl != nil {
		_ = r.dl.SetReadDeadline(time.Time{})
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	if err == io.EOF {
		return false, errors.New("flowhandler: socket-closed")
	}
	return false, err
}

func (r *Reader) drainRegistrations() {
	for {
		select {
		case w := <-r.registerCh:
			r.backlog[w.flow] = w
		default:
			return
		}
	}
}

// drainCancellations removes backlog entries for abandoned requests. The
// reply-channel identity check means a cancellation that arrives late (after
// a new request has already reserved and registered the same flow byte) is
// a no-op instead of evicting the newer waiter.
func (r *Reader) drainCancellations() {
	for {
		select {
		case req := <-r.cancelCh:
			if w, ok := r.backlog[req.flow]; ok && sameReply(w.reply, req.reply) {
				delete(r.backlog, req.flow)
			}
		default:
			return
		}
	}
}

func sameReply(a chan<- WaitResult, b chan<- WaitResult) bool {
	return a == b
}

func (r *Reader) sweepExpired() {
	now := time.Now()
	for flow, w := range r.backlog {
		if w.deadline.IsZero() || now.Before(w.deadline) {
			continue
		}
		delete(r.backlog, flow)
		w.reply <- WaitResult{Err: ErrTransmitTimeout}
	}
}

func (r *Reader) dispatch(f *frame.Frame) {
	if f.Conversation == 0x00 && r.role == frame.RoleServer {
		select {
		case r.heartbeat <- struct{}{}:
		default:
		}
		return
	}

	// Pick up waiters queued since the last idle sweep, so a reply that
	// arrives while the socket is busy still finds its waiter.
	r.drainRegistrations()
	r.drainCancellations()

	w, ok := r.backlog[f.Conversation]
	if !ok {
		select {
		case r.unsolicited <- f:
		default:
			if r.log != nil {
				r.log.Warn("reader: dropping unsolicited frame, channel full",
					zap.String("type", f.Type.String()), zap.Uint8("flow", f.Conversation))
			}
		}
		return
	}
	delete(r.backlog, f.Conversation)
	w.reply <- WaitResult{Frame: f}
}

// terminate runs once, on every exit path from run(), and guarantees P5:
// every registered waiter is signalled exactly once, even on termination.
func (r *Reader) terminate() {
	r.drainRegistrations()
	for flow, w := range r.backlog {
		delete(r.backlog, flow)
		w.reply <- WaitResult{Err: ErrTransmitTimeout}
	}
	close(r.closed)
}
