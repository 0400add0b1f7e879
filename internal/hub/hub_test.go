package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/sablefox/conduit/internal/connreg"
	"github.com/sablefox/conduit/internal/eventlog"
	"github.com/sablefox/conduit/internal/history"
	"github.com/sablefox/conduit/internal/interaction"
	"github.com/sablefox/conduit/internal/run"
	"github.com/sablefox/conduit/internal/sessionindex/file"
	"github.com/sablefox/conduit/internal/sessionstate"
	"github.com/sablefox/conduit/pkg/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (s *recordingSender) Send(frame protocol.Envelope) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type
	}
	return out
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	idx, err := file.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	events := eventlog.NewMemoryStore()
	registry := history.NewRegistry(&history.EventStoreHistoryProvider{Events: events})
	conns := connreg.New()
	interactions := interaction.NewRegistry()
	cliCalls := interaction.NewCliRendezvous()
	runCtrl := run.New(events, conns)
	return New(idx, events, registry, conns, interactions, cliCalls, runCtrl)
}

func TestEnsureSessionStateCreatesSession(t *testing.T) {
	h := newTestHub(t)
	st, err := h.EnsureSessionState(context.Background(), "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.SnapshotChatMessages()) != 0 {
		t.Errorf("expected empty history for a brand-new session")
	}

	again, err := h.EnsureSessionState(context.Background(), "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again != st {
		t.Error("expected the cached state to be returned on a second ensure")
	}
}

func TestAttachConnectionFallsBackToMostRecentSession(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	if _, err := h.EnsureSessionState(ctx, "older", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.EnsureSessionState(ctx, "newer", nil); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	st, err := h.AttachConnection(ctx, "conn1", sender, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Summary.SessionID != "newer" {
		t.Errorf("expected the most-recently-touched session, got %s", st.Summary.SessionID)
	}
}

func TestDeleteSessionBroadcastsAndAbortsRun(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	st, err := h.EnsureSessionState(ctx, "s1", nil)
	if err != nil {
		t.Fatal(err)
	}

	cancelled := false
	st.TryBeginRun(&sessionstate.ActiveChatRun{
		ActiveToolCalls: map[string]sessionstate.ToolCallInfo{},
		Cancel:          func() { cancelled = true },
	})

	sender := &recordingSender{}
	h.Conns.RegisterConnection("conn1", sender)
	h.Conns.Subscribe("s1", "conn1")

	if err := h.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Error("expected the active run to be cancelled on delete")
	}
	if !st.IsDeleted() {
		t.Error("expected state to be marked deleted")
	}

	found := false
	for _, typ := range sender.types() {
		if typ == protocol.TypeSessionDeleted {
			found = true
		}
	}
	if !found {
		t.Error("expected a session_deleted broadcast")
	}
}

func TestClearSessionEmptiesMessagesAndEventLog(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	st, err := h.EnsureSessionState(ctx, "s1", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.ClearSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if len(st.SnapshotChatMessages()) != 0 {
		t.Error("expected chat messages to be cleared")
	}
	events, err := h.Events.GetEvents(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Error("expected event log to be cleared")
	}
}
