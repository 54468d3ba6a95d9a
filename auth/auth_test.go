package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid"

	"rrmt/flowhandler"
	"rrmt/frame"
	"rrmt/registry"
	"rrmt/rrmtconn"
)

var testID = uuid.Must(uuid.FromString("c10afcef-0d32-4b6a-a870-54318fdcef18"))

type fakePeer struct{ conn net.Conn }

func (p *fakePeer) recv(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.Decode(p.conn)
	if err != nil {
		t.Fatalf("fakePeer recv: %v", err)
	}
	return f
}

func (p *fakePeer) send(t *testing.T, f *frame.Frame) {
	t.Helper()
	if err := frame.Encode(p.conn, f); err != nil {
		t.Fatalf("fakePeer send: %v", err)
	}
}

func newTestConnection(t *testing.T, role frame.Role) (*rrmtconn.Connection, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	h := flowhandler.New(a, role, nil)
	t.Cleanup(func() { a.Close(); b.Close() })
	return rrmtconn.New(h, nil), &fakePeer{conn: b}
}

func TestClientAuthorizeAccepted(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	client := NewClient(conn, testID)

	go func() {
		got := peer.recv(t)
		if got.Type != frame.Authorize {
			t.Errorf("expected Authorize, got %s", got.Type)
			return
		}
		accepted, _ := frame.NewAccepted(got.Conversation)
		peer.send(t, accepted)
	}()

	if err := client.Authorize(context.Background()); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if client.State() != Authorized {
		t.Fatalf("expected Authorized, got %s", client.State())
	}
	if !conn.Authorized() {
		t.Fatal("expected connection to be marked authorized")
	}
}

func TestClientAuthorizeDenied(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	client := NewClient(conn, testID)

	go func() {
		got := peer.recv(t)
		denied, _ := frame.NewDenied(got.Conversation)
		peer.send(t, denied)
	}()

	err := client.Authorize(context.Background())
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if client.State() != Rejected {
		t.Fatalf("expected Rejected, got %s", client.State())
	}
}

func TestClientAuthorizeTransmissionError(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	client := NewClient(conn, testID)

	go func() {
		got := peer.recv(t)
		e := frame.NewError(frame.ErrCodeServerError, "boom", got.Conversation)
		peer.send(t, e)
	}()

	err := client.Authorize(context.Background())
	te, ok := err.(*TransmissionError)
	if !ok {
		t.Fatalf("expected *TransmissionError, got %T (%v)", err, err)
	}
	if te.Code != frame.ErrCodeServerError || te.Message != "boom" {
		t.Fatalf("unexpected transmission error: %+v", te)
	}
}

func TestClientAuthorizeProtocolViolation(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	client := NewClient(conn, testID)

	go func() {
		got := peer.recv(t)
		ack, _ := frame.NewACK(got.Conversation)
		peer.send(t, ack)
	}()

	if err := client.Authorize(context.Background()); err != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestClientAlreadyAuthorized(t *testing.T) {
	conn, _ := newTestConnection(t, frame.RoleClient)
	client := NewClient(conn, testID)
	client.state = Authorized

	if err := client.Authorize(context.Background()); err != ErrAlreadyAuthorized {
		t.Fatalf("expected ErrAlreadyAuthorized, got %v", err)
	}
}

func TestServerAcceptsKnownToken(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleServer)
	reg := registry.NewMemoryRegistry([]uuid.UUID{testID}, nil)
	srv := NewServer(conn, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	f, _ := frame.NewAuthorize(testID, 0x01)
	peer.send(t, f)

	resp := peer.recv(t)
	if resp.Type != frame.Accepted {
		t.Fatalf("expected Accepted, got %s", resp.Type)
	}
	if id, ok := srv.MachineID(); !ok || id != testID {
		t.Fatalf("expected MachineID %s, got %s (ok=%v)", testID, id, ok)
	}
}

func TestServerDeniesUnknownToken(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleServer)
	reg := registry.NewMemoryRegistry(nil, nil)
	srv := NewServer(conn, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	f, _ := frame.NewAuthorize(testID, 0x01)
	peer.send(t, f)

	resp := peer.recv(t)
	if resp.Type != frame.Denied {
		t.Fatalf("expected Denied, got %s", resp.Type)
	}
}

func TestServerDeniesWhileOccupied(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleServer)
	reg := registry.NewMemoryRegistry([]uuid.UUID{testID}, nil)
	if ok, _ := reg.Claim(testID); !ok {
		t.Fatal("expected initial claim to succeed")
	}
	srv := NewServer(conn, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	f, _ := frame.NewAuthorize(testID, 0x01)
	peer.send(t, f)

	resp := peer.recv(t)
	if resp.Type != frame.Denied {
		t.Fatalf("expected Denied while occupied, got %s", resp.Type)
	}
}

func TestServerReleasesOnTermination(t *testing.T) {
	a, b := net.Pipe()
	h := flowhandler.New(a, frame.RoleServer, nil)
	conn := rrmtconn.New(h, nil)
	peer := &fakePeer{conn: b}

	reg := registry.NewMemoryRegistry([]uuid.UUID{testID}, nil)
	srv := NewServer(conn, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { srv.Serve(ctx); close(done) }()

	f, _ := frame.NewAuthorize(testID, 0x01)
	peer.send(t, f)
	resp := peer.recv(t)
	if resp.Type != frame.Accepted {
		t.Fatalf("expected Accepted, got %s", resp.Type)
	}

	a.Close()
	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after connection close")
	}

	if ok, _ := reg.Claim(testID); !ok {
		t.Fatal("expected token to be reclaimable after handler termination released it")
	}
}

// poisonedRegistry always reports registry.ErrMutexPoison from Claim, the
// way a MemoryRegistry would once its guarding lock has observed a panic.
type poisonedRegistry struct{}

func (poisonedRegistry) Claim(uuid.UUID) (bool, error) { return false, registry.ErrMutexPoison }
func (poisonedRegistry) Release(uuid.UUID) error       { return nil }
func (poisonedRegistry) KnownToken(uuid.UUID) bool     { return true }

// TestServerClosesConnectionOnMutexPoison is §5/§7: a poisoned registry
// lock must terminate the handler and close the connection, not be
// swallowed into a wire-level Denied reply that lets Serve keep looping.
func TestServerClosesConnectionOnMutexPoison(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleServer)
	srv := NewServer(conn, poisonedRegistry{}, nil)

	done := make(chan struct{})
	go func() { srv.Serve(context.Background()); close(done) }()

	f, _ := frame.NewAuthorize(testID, 0x01)
	peer.send(t, f)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after a mutex-poison error")
	}

	// No Denied (or any other) reply should have reached the wire.
	replyCh := make(chan *frame.Frame, 1)
	go func() {
		f, err := frame.Decode(peer.conn)
		if err == nil {
			replyCh <- f
		}
	}()
	select {
	case f := <-replyCh:
		t.Fatalf("expected no reply after mutex-poison, got %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}
