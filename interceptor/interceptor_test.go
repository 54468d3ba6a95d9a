package interceptor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"rrmt/frame"
)

func echoHandler(_ context.Context, f *frame.Frame) (*frame.Frame, error) {
	accepted, _ := frame.NewAccepted(f.Conversation)
	return accepted, nil
}

func slowHandler(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		accepted, _ := frame.NewAccepted(f.Conversation)
		return accepted, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLoggingPassesThrough(t *testing.T) {
	h := Logging(zap.NewNop())(echoHandler)
	resp, err := h(context.Background(), &frame.Frame{Type: frame.Ping, Conversation: 0x05})
	if err != nil || resp.Type != frame.Accepted {
		t.Fatalf("unexpected result: resp=%+v err=%v", resp, err)
	}
}

func TestLoggingHandlesNoReply(t *testing.T) {
	noReply := func(_ context.Context, f *frame.Frame) (*frame.Frame, error) { return nil, nil }
	h := Logging(zap.NewNop())(noReply)
	resp, err := h(context.Background(), &frame.Frame{Type: frame.Ping, Conversation: 0x05})
	if err != nil || resp != nil {
		t.Fatalf("expected (nil, nil), got resp=%+v err=%v", resp, err)
	}
}

func TestRateLimitShortCircuits(t *testing.T) {
	h := RateLimit(1, 1)(echoHandler)
	ctx := context.Background()
	req := &frame.Frame{Type: frame.Authorize, Conversation: 0x01}

	if _, err := h(ctx, req); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	resp, err := h(ctx, req)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	decoded, derr := resp.AsError()
	if derr != nil || decoded.Code != frame.ErrCodeServerError {
		t.Fatalf("expected rate-limit rejection, got %+v", resp)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	h := Timeout(20 * time.Millisecond)(slowHandler)
	_, err := h(context.Background(), &frame.Frame{Type: frame.Authorize, Conversation: 0x01})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestChainOrdering(t *testing.T) {
	var order []string
	mark := func(name string) Interceptor {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
				order = append(order, name+":before")
				resp, err := next(ctx, f)
				order = append(order, name+":after")
				return resp, err
			}
		}
	}
	h := Chain(mark("A"), mark("B"))(echoHandler)
	if _, err := h(context.Background(), &frame.Frame{Type: frame.Authorize, Conversation: 0x01}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"A:before", "B:before", "B:after", "A:after"}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}
