package flowhandler

import (
	"time"

	"go.uber.org/zap"

	"rrmt/frame"
)

// ClientHeartbeatInterval is how often the client role emits a heartbeat
// (§4.4). Combined with DefaultRequestTimeout, a server that stops replying
// is detected within at most interval + DefaultRequestTimeout (scenario 5:
// "within at most 70s after the last successful heartbeat").
const ClientHeartbeatInterval = 10 * time.Second

// Heartbeat is the single state-carrying liveness loop (§4.4). On the
// client it actively probes the server and treats a failed round trip as a
// dead socket; on the server it only echoes inbound probes.
//
// The direction-enforcement rule (§4.1, §8 P8) fixes which frame type each
// role may construct: Pong is client->server and Ping is server->client, so
// the client's probe is necessarily a Pong frame and the server's echo a
// Ping frame — inverted from the usual ping/pong naming, but the only
// assignment the wire-direction table allows.
type Heartbeat struct {
	role   frame.Role
	writer *Writer
	log    *zap.Logger

	// inbound is signalled by the Reader task whenever it observes a
	// server-role inbound frame on flow 0x00 (§4.3).
	inbound <-chan struct{}

	closed chan struct{}
}

func newHeartbeat(role frame.Role, writer *Writer, inbound <-chan struct{}, log *zap.Logger) *Heartbeat {
	return &Heartbeat{role: role, writer: writer, log: log, inbound: inbound, closed: make(chan struct{})}
}

// Closed is signalled once the Heartbeat task terminates.
func (h *Heartbeat) Closed() <-chan struct{} { return h.closed }

func (h *Heartbeat) run() {
	defer close(h.closed)
	if h.role == frame.RoleClient {
		h.runClient()
	} else {
		h.runServer()
	}
}

func (h *Heartbeat) runClient() {
	ticker := time.NewTicker(ClientHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f, err := frame.NewPong(0x00)
			if err != nil {
				return
			}
			reply := make(chan WaitResult, 1)
			if err := h.writer.Transmit(0x00, f, reply, time.Now().Add(DefaultRequestTimeout)); err != nil {
				if h.log != nil {
					h.log.Warn("heartbeat: transmit failed, socket considered dead", zap.Error(err))
				}
				return
			}
			res := <-reply
			if res.Err != nil {
				if h.log != nil {
					h.log.Warn("heartbeat: no reply from server, socket considered dead", zap.Error(res.Err))
				}
				return
			}
		case <-h.writer.Closed():
			return
		}
	}
}

func (h *Heartbeat) runServer() {
	for {
		select {
		case <-h.inbound:
			f, err := frame.NewPing(0x00)
			if err != nil {
				return
			}
			// Fire-and-forget: no reply channel, no backlog waiter registered.
			if err := h.writer.Transmit(0x00, f, nil, time.Time{}); err != nil {
				if h.log != nil {
					h.log.Warn("heartbeat: echo failed, terminating", zap.Error(err))
				}
				return
			}
		case <-h.writer.Closed():
			return
		}
	}
}
