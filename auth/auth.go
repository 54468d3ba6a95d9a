// Package auth implements the Authorization state machine (§4.6): the
// client side that drives a single Authorize request to Accepted/Denied,
// and the server side that answers inbound Authorize frames against the
// remote registry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"rrmt/frame"
	"rrmt/interceptor"
	"rrmt/registry"
	"rrmt/rrmtconn"
)

// authorizeAttemptRate and authorizeAttemptBurst bound how many Authorize
// attempts one connection may make per second before Server starts
// replying with a rate-limit error instead of consulting the registry —
// the handshake's own abuse surface (SPEC_FULL.md §10).
const (
	authorizeAttemptRate  = 2.0
	authorizeAttemptBurst = 3
)

// State is one of the four Authorization states (§4.6).
type State int

const (
	Unauthorized State = iota
	AuthorizePending
	Authorized
	Rejected
)

func (s State) String() string {
	switch s {
	case Unauthorized:
		return "Unauthorized"
	case AuthorizePending:
		return "AuthorizePending"
	case Authorized:
		return "Authorized"
	case Rejected:
		return "Rejected"
	default:
		return "unknown"
	}
}

// ErrAlreadyAuthorized is returned when authorize() is called on a
// connection already in the Authorized state; it never reaches the wire.
var ErrAlreadyAuthorized = errors.New("auth: already-authorized")

// ErrInvalidToken is the Rejected reason for an inbound Denied reply.
var ErrInvalidToken = errors.New("auth: invalid-token")

// ErrProtocolViolation is the Rejected reason for any inbound frame in
// AuthorizePending that isn't Accepted, Denied, or a genuine server Error
// (i.e. the façade's own "not-expected" synthetic error).
var ErrProtocolViolation = errors.New("auth: protocol-violation")

// TransmissionError is the Rejected reason for a genuine inbound
// Error(kind, message) frame.
type TransmissionError struct {
	Code    frame.ErrorCode
	Message string
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("auth: transmission-error(%d, %q)", e.Code, e.Message)
}

// authorizeTimeout bounds one Authorize round trip independent of whatever
// deadline the caller's ctx already carries, via interceptor.Timeout —
// the handshake is expected to resolve well within the 60s default request
// timeout (§4.2), and a caller that forgets to bound its own ctx shouldn't
// be able to block indefinitely on a silent remote.
const authorizeTimeout = 10 * time.Second

// Client drives the client-side Authorization state machine for one
// Connection.
type Client struct {
	conn      *rrmtconn.Connection
	machineID uuid.UUID
	state     State
	reason    error
	request   interceptor.HandlerFunc
}

// NewClient constructs a Client-side Authorization state machine bound to
// conn, starting in Unauthorized. Every Authorize call runs through
// interceptor.Timeout so a forgotten caller-side deadline can't wedge the
// handshake forever.
func NewClient(conn *rrmtconn.Connection, machineID uuid.UUID) *Client {
	c := &Client{conn: conn, machineID: machineID, state: Unauthorized}
	base := func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
		return conn.Request(ctx, f, []frame.Type{frame.Accepted, frame.Denied, frame.ErrorType})
	}
	c.request = interceptor.Chain(interceptor.Timeout(authorizeTimeout))(base)
	return c
}

// State reports the current Authorization state.
func (c *Client) State() State { return c.state }

// RejectReason reports why State() is Rejected; nil otherwise.
func (c *Client) RejectReason() error { return c.reason }

// Authorize sends Authorize(machine_id) and blocks until Accepted, Denied,
// or an error is observed (§4.6).
func (c *Client) Authorize(ctx context.Context) error {
	if c.state == Authorized {
		return ErrAlreadyAuthorized
	}
	c.state = AuthorizePending

	f, err := frame.NewAuthorize(c.machineID, 0)
	if err != nil {
		c.state, c.reason = Rejected, err
		return err
	}

	resp, err := c.request(ctx, f)
	if err != nil {
		c.state, c.reason = Rejected, err
		return err
	}

	switch resp.Type {
	case frame.Accepted:
		c.state, c.reason = Authorized, nil
		c.conn.SetAuthorized(true)
		return nil
	case frame.Denied:
		c.state, c.reason = Rejected, ErrInvalidToken
		return ErrInvalidToken
	case frame.ErrorType:
		decoded, derr := resp.AsError()
		if derr != nil || decoded.Code == frame.ErrCodeNotExpected {
			c.state, c.reason = Rejected, ErrProtocolViolation
			return ErrProtocolViolation
		}
		te := &TransmissionError{Code: decoded.Code, Message: decoded.Message}
		c.state, c.reason = Rejected, te
		return te
	default:
		c.state, c.reason = Rejected, ErrProtocolViolation
		return ErrProtocolViolation
	}
}

// Server answers inbound Authorize frames on one connection against a
// shared Registry. It owns no concurrency of its own: Serve runs until ctx
// is cancelled or the connection terminates, consuming exactly the frames
// the Flow Handler could not match to any waiter (§4.6 "per inbound frame
// on a fresh connection").
type Server struct {
	conn      *rrmtconn.Connection
	reg       registry.Registry
	log       *zap.Logger
	machineID *uuid.UUID
	chain     interceptor.HandlerFunc
}

// NewServer constructs a Server-side Authorization responder bound to conn
// and reg. Inbound frames are run through a logging + rate-limiting chain
// before the registry is ever consulted, bounding how fast one connection
// can hammer Authorize attempts (SPEC_FULL.md §10).
func NewServer(conn *rrmtconn.Connection, reg registry.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{conn: conn, reg: reg, log: log}
	chain := interceptor.Chain(
		interceptor.Logging(log),
		interceptor.RateLimit(authorizeAttemptRate, authorizeAttemptBurst),
	)
	s.chain = chain(s.authorizeFrame)
	return s
}

// MachineID reports the machine UUID this connection authorized as, once
// known. Valid only after Accepted has been sent.
func (s *Server) MachineID() (uuid.UUID, bool) {
	if s.machineID == nil {
		return uuid.UUID{}, false
	}
	return *s.machineID, true
}

// Serve consumes inbound frames until ctx is cancelled, the connection
// terminates, or dispatch reports a fatal error. Every frame before
// Accepted that isn't an Authorize is logged and ignored, per §4.6; an
// Authorize whose payload is not a valid UUID is answered with Denied.
// Once Accepted is sent, Serve keeps running only to guarantee
// Release on termination.
func (s *Server) Serve(ctx context.Context) {
	defer s.release()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			return
		case f, ok := <-s.conn.Inbound():
			if !ok {
				return
			}
			if err := s.dispatch(f); err != nil {
				// §5/§7: on mutex-poison the handler terminates and the
				// connection is closed; returning here lets
				// rrmtserver.handleConn's deferred conn.Close() run and
				// its accept loop move on to the next connection.
				s.log.Error("auth: closing connection after fatal error", zap.Error(err))
				return
			}
		}
	}
}

// dispatch runs f through the logging + rate-limit chain and replies with
// whatever frame (if any) the chain produces. A non-nil return is fatal to
// the connection (currently only registry.ErrMutexPoison); anything else
// the chain/handler reports is logged and swallowed so Serve keeps running.
func (s *Server) dispatch(f *frame.Frame) error {
	reply, err := s.chain(context.Background(), f)
	if err != nil {
		if errors.Is(err, registry.ErrMutexPoison) {
			return err
		}
		s.log.Warn("auth: handler error", zap.Error(err))
		return nil
	}
	if reply == nil {
		return nil
	}
	if err := s.conn.Reply(reply); err != nil {
		s.log.Warn("auth: reply failed", zap.Error(err))
	}
	return nil
}

// authorizeFrame is the innermost handler: the actual Authorization state
// transition logic (§4.6), wrapped by NewServer in logging and rate
// limiting before it ever runs.
func (s *Server) authorizeFrame(_ context.Context, f *frame.Frame) (*frame.Frame, error) {
	if s.machineID != nil {
		// Already authorized: once this connection is bound to a machine,
		// every further inbound frame, Authorize included, is logged and
		// left unanswered; the registry is not consulted again.
		s.log.Info("auth: ignoring frame after authorization", zap.String("type", f.Type.String()))
		return nil, nil
	}
	if f.Type != frame.Authorize {
		s.log.Info("auth: ignoring non-Authorize frame pre-accept", zap.String("type", f.Type.String()))
		return nil, nil
	}

	id, err := f.AsUUID()
	if err != nil {
		s.log.Warn("auth: malformed Authorize payload", zap.Error(err))
		return frame.NewDenied(f.Conversation)
	}

	ok, err := s.reg.Claim(id)
	if err != nil {
		if errors.Is(err, registry.ErrMutexPoison) {
			// §5/§7: a poisoned registry lock is fatal to this connection,
			// not a deniable Authorize attempt — propagate the error so
			// dispatch/Serve tear the connection down instead of replying
			// Denied and looping on a registry that can no longer be
			// trusted.
			s.log.Error("auth: registry mutex poisoned", zap.String("machine_id", id.String()))
			return nil, err
		}
		return frame.NewDenied(f.Conversation)
	}
	if !ok {
		return frame.NewDenied(f.Conversation)
	}

	s.machineID = &id
	return frame.NewAccepted(f.Conversation)
}

func (s *Server) release() {
	if s.machineID == nil {
		return
	}
	if err := s.reg.Release(*s.machineID); err != nil && s.log != nil {
		s.log.Warn("auth: release failed", zap.Error(err))
	}
}
