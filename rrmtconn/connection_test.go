package rrmtconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid"

	"rrmt/flowhandler"
	"rrmt/frame"
)

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

func newTestConnection(t *testing.T, role frame.Role) (*Connection, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	h := flowhandler.New(a, role, nil)
	t.Cleanup(func() { a.Close(); b.Close() })
	return New(h, nil), &fakePeer{conn: b}
}

func TestRequestAcceptedPath(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	id := uuid.Must(uuid.FromString("c10afcef-0d32-4b6a-a870-54318fdcef18"))

	go func() {
		got := peer.recv(t)
		if got.Type != frame.Authorize {
			t.Errorf("expected Authorize, got %s", got.Type)
			return
		}
		accepted, _ := frame.NewAccepted(got.Conversation)
		peer.send(t, accepted)
	}()

	authFrame, err := frame.NewAuthorize(id, 0)
	if err != nil {
		t.Fatalf("NewAuthorize: %v", err)
	}
	resp, err := conn.Request(context.Background(), authFrame,
		[]frame.Type{frame.Accepted, frame.Denied, frame.ErrorType})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Type != frame.Accepted {
		t.Fatalf("expected Accepted, got %s", resp.Type)
	}
}

func TestRequestUnexpectedTypeSynthesizesError(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	id := uuid.Must(uuid.FromString("c10afcef-0d32-4b6a-a870-54318fdcef18"))

	go func() {
		got := peer.recv(t)
		// Reply with ACK, which is not in the expected set below.
		ack, _ := frame.NewACK(got.Conversation)
		peer.send(t, ack)
	}()

	authFrame, _ := frame.NewAuthorize(id, 0)
	resp, err := conn.Request(context.Background(), authFrame,
		[]frame.Type{frame.Accepted, frame.Denied})
	if err != nil {
		t.Fatalf("Request should not return a transport error: %v", err)
	}
	decoded, derr := resp.AsError()
	if derr != nil || decoded.Code != frame.ErrCodeNotExpected {
		t.Fatalf("expected synthetic not-expected error, got %+v (err=%v)", resp, derr)
	}
}

func TestRequestReleasesFlowOnCancel(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	id := uuid.Must(uuid.FromString("c10afcef-0d32-4b6a-a870-54318fdcef18"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	authFrame, _ := frame.NewAuthorize(id, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.recv(t) // absorb the frame, never reply
	}()

	_, err := conn.Request(ctx, authFrame, []frame.Type{frame.Accepted})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
	<-done

	// The flow byte must have been released: a subsequent request must
	// still be able to proceed rather than failing with no-flow-available.
	go func() {
		got := peer.recv(t)
		accepted, _ := frame.NewAccepted(got.Conversation)
		peer.send(t, accepted)
	}()
	f, _ := frame.NewAuthorize(id, 0)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if _, err := conn.Request(ctx2, f, []frame.Type{frame.Accepted, frame.Denied}); err != nil {
		t.Fatalf("request failed after supposed flow leak: %v", err)
	}
}

// TestAbandonedRequestNeverLeaksIntoReusedFlow reproduces the scenario a
// stale backlog entry would otherwise cause: caller A abandons a request on
// ctx cancellation, caller B immediately reserves and registers on the very
// same flow byte, and only then does the remote's late reply to A's
// original request arrive. It must land nowhere near B.
func TestAbandonedRequestNeverLeaksIntoReusedFlow(t *testing.T) {
	conn, peer := newTestConnection(t, frame.RoleClient)
	idA := uuid.Must(uuid.FromString("c10afcef-0d32-4b6a-a870-54318fdcef18"))
	idB := uuid.Must(uuid.FromString("a1b2c3d4-0d32-4b6a-a870-54318fdcef18"))

	ctxA, cancelA := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelA()

	reqA, _ := frame.NewAuthorize(idA, 0)
	flowCh := make(chan byte, 1)
	go func() {
		got := peer.recv(t) // absorb A's frame, reply late, after B has reserved the same flow
		flowCh <- got.Conversation
	}()

	_, errA := conn.Request(ctxA, reqA, []frame.Type{frame.Accepted})
	if errA == nil {
		t.Fatal("expected A's request to be abandoned on ctx deadline")
	}
	flowByte := <-flowCh

	reqB, _ := frame.NewAuthorize(idB, 0)
	resultCh := make(chan error, 1)
	go func() {
		ctxB, cancelB := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelB()
		resp, err := conn.Request(ctxB, reqB, []frame.Type{frame.Accepted, frame.Denied})
		if err != nil {
			resultCh <- err
			return
		}
		if resp.Type != frame.Accepted {
			resultCh <- nil
			return
		}
		resultCh <- nil
	}()

	got := peer.recv(t) // B's own Authorize frame
	if got.Conversation != flowByte {
		t.Fatalf("expected B to reuse flow %d, got %d", flowByte, got.Conversation)
	}

	// Now deliver A's late, stale reply on the reused flow byte. With the
	// backlog entry still keyed to A's abandoned waiter, this would
	// previously have been delivered straight to B.
	staleReply, _ := frame.NewAccepted(flowByte)
	peer.send(t, staleReply)

	// Give the stale frame a moment to land (it should be dropped as
	// unsolicited, not delivered to B), then send B's real reply.
	time.Sleep(50 * time.Millisecond)
	realReply, _ := frame.NewAccepted(flowByte)
	peer.send(t, realReply)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("B's request failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B's request never completed")
	}
}
