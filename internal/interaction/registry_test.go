package interaction

import (
	"context"
	"testing"
	"time"
)

func TestResolveResponseUnblocksWaiter(t *testing.T) {
	r := NewRegistry()
	done := make(chan Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := r.WaitForResponse(context.Background(), "s1", "call1", "int1", time.Second)
		done <- resp
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if !r.ResolveResponse("s1", "call1", "int1", Response{Action: "approve"}) {
		t.Fatal("expected resolve to find the waiting slot")
	}

	select {
	case resp := <-done:
		if resp.Action != "approve" {
			t.Errorf("got action %q, want approve", resp.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked")
	}
	if err := <-errCh; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWaitForResponseTimesOut(t *testing.T) {
	r := NewRegistry()
	_, err := r.WaitForResponse(context.Background(), "s1", "call1", "int1", 10*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestCloseSessionDrainsOnlyMatchingPrefix(t *testing.T) {
	r := NewRegistry()
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, err := r.WaitForResponse(context.Background(), "s1", "c1", "i1", time.Second)
		errA <- err
	}()
	go func() {
		_, err := r.WaitForResponse(context.Background(), "s2", "c1", "i1", time.Second)
		errB <- err
	}()
	time.Sleep(10 * time.Millisecond)

	r.CloseSession("s1")

	select {
	case err := <-errA:
		if err != ErrCancelled {
			t.Errorf("s1 waiter got %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("s1 waiter not drained")
	}

	if r.ResolveResponse("s2", "c1", "i1", Response{Action: "ok"}) != true {
		t.Fatal("s2 slot should still be live")
	}
	if err := <-errB; err != nil {
		t.Errorf("s2 waiter got unexpected error: %v", err)
	}
}

func TestCliRendezvousMatchesByCallIDThenArgsHash(t *testing.T) {
	rv := NewCliRendezvous()
	rv.Record("s1", "call1", "read_file", `{"path":"a.go"}`)

	if _, ok := rv.Match(MatchOpts{SessionID: "s1", CallID: "call1"}); !ok {
		t.Error("expected match by callId")
	}
	if _, ok := rv.Match(MatchOpts{SessionID: "s1", ToolName: "read_file", ArgsJSON: `{"path":"a.go"}`}); !ok {
		t.Error("expected match by toolName+args when callId unknown")
	}
	if _, ok := rv.Match(MatchOpts{SessionID: "s1", CallID: "nope"}); ok {
		t.Error("expected no match for unknown callId")
	}
}
