package run

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/eventlog"
	"github.com/sablefox/conduit/internal/llm"
	"github.com/sablefox/conduit/internal/sessionindex"
	"github.com/sablefox/conduit/internal/sessionstate"
	"github.com/sablefox/conduit/pkg/protocol"
)

// recordingBroadcaster captures every frame broadcast, in order.
type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (b *recordingBroadcaster) BroadcastToSession(sessionID string, frame protocol.Envelope) {
	b.mu.Lock()
	b.frames = append(b.frames, frame)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) BroadcastToSessionExcluding(sessionID string, frame protocol.Envelope, except string) {
	b.BroadcastToSession(sessionID, frame)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.frames))
	for i, f := range b.frames {
		out[i] = f.Type
	}
	return out
}

// fakeStream replays a fixed script of events, blocking on a cancel
// channel for entries with Kind "block" so tests can simulate
// mid-stream cancellation.
type fakeStream struct {
	events []llm.StreamEvent
	block  <-chan struct{}
	i      int
}

func (s *fakeStream) Next(ctx context.Context) (llm.StreamEvent, bool, error) {
	if s.i >= len(s.events) {
		return llm.StreamEvent{}, false, nil
	}
	ev := s.events[s.i]
	s.i++
	if ev.Kind == "block" {
		select {
		case <-s.block:
			return llm.StreamEvent{}, false, nil
		case <-ctx.Done():
			return llm.StreamEvent{}, false, ctx.Err()
		}
	}
	return ev, true, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	script func(callCount int) *fakeStream
	calls  int
}

func (p *fakeProvider) StartChat(ctx context.Context, req llm.ChatRequest) (llm.LlmStream, error) {
	p.calls++
	return p.script(p.calls), nil
}

func (p *fakeProvider) Name() string { return "fake" }

type fakeToolHost struct {
	result llm.ToolCallResult
}

func (h *fakeToolHost) CallTool(ctx context.Context, sessionID string, call llm.ToolCallRequest) (llm.ToolCallResult, error) {
	r := h.result
	r.CallID = call.CallID
	return r, nil
}

func newTestState() *sessionstate.State {
	return sessionstate.New(&sessionindex.Summary{SessionID: "s1"})
}

func TestRunSimpleTurnEmitsExpectedSequence(t *testing.T) {
	events := eventlog.NewMemoryStore()
	bcast := &recordingBroadcaster{}
	ctrl := New(events, bcast)

	provider := &fakeProvider{script: func(int) *fakeStream {
		return &fakeStream{events: []llm.StreamEvent{
			{Kind: llm.KindTextDelta, Text: "hello "},
			{Kind: llm.KindTextDelta, Text: "world"},
			{Kind: llm.KindDone},
		}}
	}}

	state := newTestState()
	err := ctrl.Run(context.Background(), state, Request{
		SessionID: "s1", UserText: "hi", Source: "user",
		Provider: provider, ShouldEmitEvents: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.IsBusy() {
		t.Fatal("expected run to have completed and cleared activeRun")
	}

	stored, err := events.GetEvents(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	var kinds []chatevent.Type
	for _, e := range stored {
		kinds = append(kinds, e.Type)
	}
	want := []chatevent.Type{
		chatevent.TypeTurnStart, chatevent.TypeUserMessage,
		chatevent.TypeAssistantDone, chatevent.TypeTurnEnd,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: got %s want %s", i, kinds[i], want[i])
		}
	}

	msgs := state.SnapshotChatMessages()
	if len(msgs) != 2 || msgs[1].Content != "hello world" {
		t.Fatalf("unexpected chat messages: %#v", msgs)
	}
}

func TestRunQueuesWhenBusy(t *testing.T) {
	events := eventlog.NewMemoryStore()
	bcast := &recordingBroadcaster{}
	ctrl := New(events, bcast)

	state := newTestState()
	cancel := func() {}
	state.TryBeginRun(&sessionstate.ActiveChatRun{
		ActiveToolCalls: map[string]sessionstate.ToolCallInfo{},
		Cancel:          cancel,
	})

	err := ctrl.Run(context.Background(), state, Request{
		SessionID: "s1", UserText: "second message", Source: "user",
		ShouldEmitEvents: true,
	})
	if err == nil {
		t.Fatal("expected session_busy error")
	}
	if state.QueueLen() != 1 {
		t.Fatalf("expected message to be queued, got queue len %d", state.QueueLen())
	}

	found := false
	for _, typ := range bcast.types() {
		if typ == protocol.TypeMessageQueued {
			found = true
		}
	}
	if !found {
		t.Error("expected a message_queued broadcast")
	}
}

func TestRunRejectsEmptyText(t *testing.T) {
	events := eventlog.NewMemoryStore()
	ctrl := New(events, &recordingBroadcaster{})
	state := newTestState()

	err := ctrl.Run(context.Background(), state, Request{SessionID: "s1", UserText: ""})
	if err == nil {
		t.Fatal("expected empty_text error")
	}
}

func TestRunRejectsDeletedSession(t *testing.T) {
	events := eventlog.NewMemoryStore()
	ctrl := New(events, &recordingBroadcaster{})
	state := newTestState()
	state.MarkDeleted()

	err := ctrl.Run(context.Background(), state, Request{SessionID: "s1", UserText: "hi"})
	if err == nil {
		t.Fatal("expected session_deleted error")
	}
}

func TestRunDispatchesToolCallThenFinishes(t *testing.T) {
	events := eventlog.NewMemoryStore()
	bcast := &recordingBroadcaster{}
	ctrl := New(events, bcast)

	provider := &fakeProvider{script: func(call int) *fakeStream {
		if call == 1 {
			return &fakeStream{events: []llm.StreamEvent{
				{Kind: llm.KindToolCall, ToolCall: &llm.ToolCallRequest{CallID: "c1", ToolName: "read_file", ArgsJSON: `{"path":"a.go"}`}},
				{Kind: llm.KindDone},
			}}
		}
		return &fakeStream{events: []llm.StreamEvent{
			{Kind: llm.KindTextDelta, Text: "done"},
			{Kind: llm.KindDone},
		}}
	}}
	toolHost := &fakeToolHost{result: llm.ToolCallResult{Ok: true, ResultJSON: `"file contents"`}}

	state := newTestState()
	err := ctrl.Run(context.Background(), state, Request{
		SessionID: "s1", UserText: "read a.go", Source: "user",
		Provider: provider, ToolHost: toolHost, ShouldEmitEvents: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := events.GetEvents(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	var sawToolCall, sawToolResult, sawAssistantDone bool
	for _, e := range stored {
		switch e.Type {
		case chatevent.TypeToolCall:
			sawToolCall = true
		case chatevent.TypeToolResult:
			sawToolResult = true
			if e.ResultOk == nil || !*e.ResultOk {
				t.Error("expected tool_result ok=true")
			}
		case chatevent.TypeAssistantDone:
			sawAssistantDone = true
			if e.Text != "done" {
				t.Errorf("expected final assistant text 'done', got %q", e.Text)
			}
		}
	}
	if !sawToolCall || !sawToolResult || !sawAssistantDone {
		t.Fatalf("missing expected event types: %#v", stored)
	}
	if provider.calls != 2 {
		t.Fatalf("expected provider to be invoked twice (once per tool loop), got %d", provider.calls)
	}
}

func TestRunCancelMidStreamFlushesInterruptedText(t *testing.T) {
	events := eventlog.NewMemoryStore()
	bcast := &recordingBroadcaster{}
	ctrl := New(events, bcast)

	block := make(chan struct{})
	provider := &fakeProvider{script: func(int) *fakeStream {
		return &fakeStream{block: block, events: []llm.StreamEvent{
			{Kind: llm.KindTextDelta, Text: "partial"},
			{Kind: "block"},
		}}
	}}

	state := newTestState()
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(context.Background(), state, Request{
			SessionID: "s1", UserText: "hi", Source: "user",
			Provider: provider, ShouldEmitEvents: true,
		})
	}()

	// Give the streaming goroutine time to accumulate the first delta,
	// then cancel the in-flight run the way output_cancel would.
	time.Sleep(20 * time.Millisecond)
	run := state.ActiveRun()
	if run == nil {
		t.Fatal("expected an active run to cancel")
	}
	run.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation should not surface as an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	foundCancelled := false
	foundInterruptedDone := false
	for _, f := range bcast.frames {
		if f.Type == protocol.TypeOutputCancelled {
			foundCancelled = true
		}
		if f.Type == protocol.TypeTextDone {
			var p protocol.TextDonePayload
			if err := json.Unmarshal(f.Payload, &p); err == nil && p.Interrupted {
				foundInterruptedDone = true
			}
		}
	}
	if !foundCancelled {
		t.Error("expected an output_cancelled broadcast")
	}
	if !foundInterruptedDone {
		t.Error("expected text_done with interrupted=true")
	}
}

// TestRunExplicitCancelResolvesInFlightToolCallsAsInterrupted mirrors
// what the gateway's output_cancel handler does: set OutputCancelled on
// the active run before calling Cancel. A tool call still registered in
// ActiveToolCalls at that point must come back as an interrupted
// tool_result rather than being left to resolve (or never resolve) on
// its own.
func TestRunExplicitCancelResolvesInFlightToolCallsAsInterrupted(t *testing.T) {
	events := eventlog.NewMemoryStore()
	bcast := &recordingBroadcaster{}
	ctrl := New(events, bcast)

	block := make(chan struct{})
	provider := &fakeProvider{script: func(int) *fakeStream {
		return &fakeStream{block: block, events: []llm.StreamEvent{
			{Kind: llm.KindToolCall, ToolCall: &llm.ToolCallRequest{CallID: "c1", ToolName: "read_file", ArgsJSON: `{}`}},
			{Kind: "block"},
		}}
	}}

	state := newTestState()
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(context.Background(), state, Request{
			SessionID: "s1", UserText: "hi", Source: "user",
			Provider: provider, ShouldEmitEvents: true,
		})
	}()

	time.Sleep(20 * time.Millisecond)
	run := state.ActiveRun()
	if run == nil {
		t.Fatal("expected an active run to cancel")
	}
	if _, ok := run.ActiveToolCalls["c1"]; !ok {
		t.Fatal("expected c1 to be registered as an in-flight tool call before cancelling")
	}

	// This is what gateway.handleOutputCancel does on an explicit
	// client-driven cancel, as opposed to an implicit abort.
	run.OutputCancelled = true
	run.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation should not surface as an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	foundInterruptedResult := false
	for _, f := range bcast.frames {
		if f.Type != protocol.TypeToolResult {
			continue
		}
		var p protocol.ToolResultPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil && p.CallID == "c1" && !p.Ok && p.Error == "interrupted" {
			foundInterruptedResult = true
		}
	}
	if !foundInterruptedResult {
		t.Error("expected an interrupted tool_result for the in-flight call c1")
	}

	stored, err := events.GetEvents(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	foundInterruptedEvent := false
	for _, e := range stored {
		if e.Type == chatevent.TypeToolResult && e.CallID == "c1" && e.ResultOk != nil && !*e.ResultOk {
			foundInterruptedEvent = true
		}
	}
	if !foundInterruptedEvent {
		t.Error("expected a persisted tool_result event for the interrupted call c1")
	}
}
