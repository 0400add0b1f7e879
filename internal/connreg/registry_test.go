package connreg

import (
	"sync"
	"testing"

	"github.com/sablefox/conduit/pkg/protocol"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []protocol.Envelope
}

func (r *recordingSender) Send(frame protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, frame)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestBroadcastToSessionExcludesOriginator(t *testing.T) {
	reg := New()
	a, b := &recordingSender{}, &recordingSender{}
	reg.RegisterConnection("a", a)
	reg.RegisterConnection("b", b)
	reg.Subscribe("s1", "a")
	reg.Subscribe("s1", "b")

	reg.BroadcastToSessionExcluding("s1", protocol.Envelope{Type: protocol.TypeUserMessage}, "a")

	if a.count() != 0 {
		t.Errorf("originator should not receive broadcast, got %d", a.count())
	}
	if b.count() != 1 {
		t.Errorf("subscriber should receive broadcast, got %d", b.count())
	}
}

func TestUnsubscribeAllClearsInverseIndex(t *testing.T) {
	reg := New()
	a := &recordingSender{}
	reg.RegisterConnection("a", a)
	reg.Subscribe("s1", "a")
	reg.Subscribe("s2", "a")

	reg.UnsubscribeAll("a")

	if reg.IsSubscribed("s1", "a") || reg.IsSubscribed("s2", "a") {
		t.Error("expected all subscriptions cleared")
	}
	if len(reg.bySession) != 0 {
		t.Errorf("expected inverse index empty, got %v", reg.bySession)
	}
}

func TestSendIfSubscribedDropsUnsubscribed(t *testing.T) {
	reg := New()
	a := &recordingSender{}
	reg.RegisterConnection("a", a)

	ok := reg.SendIfSubscribed("a", "s1", protocol.Envelope{Type: protocol.TypeTextDelta})
	if ok {
		t.Error("expected drop for unsubscribed session")
	}
	if a.count() != 0 {
		t.Errorf("expected no send, got %d", a.count())
	}
}

func TestUnregisterConnectionDuringBroadcastIsSafe(t *testing.T) {
	reg := New()
	a := &recordingSender{}
	reg.RegisterConnection("a", a)
	reg.Subscribe("s1", "a")

	snapshot := reg.snapshotSession("s1")
	reg.UnregisterConnection("a")

	for _, cs := range snapshot {
		_ = cs.sender.Send(protocol.Envelope{Type: protocol.TypeTextDelta})
	}
	if a.count() != 1 {
		t.Errorf("in-flight snapshot should still deliver, got %d", a.count())
	}
	if reg.IsSubscribed("s1", "a") {
		t.Error("connection should no longer be subscribed after unregister")
	}
}
