// Package sessionstate holds the in-memory LogicalSessionState and
// ActiveChatRun structures (§3). It exists as its own package so
// that both the Session Hub (which owns this state) and the Run
// Controller (which mutates an ActiveChatRun while it runs) can depend
// on the same types without an import cycle between hub and run.
package sessionstate

import (
	"context"
	"sync"
	"time"

	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/llm"
	"github.com/sablefox/conduit/internal/sessionindex"
)

// ToolCallInfo is what an in-flight ActiveChatRun remembers about a
// dispatched tool call, keyed by callId.
type ToolCallInfo struct {
	ToolName string
	ArgsJSON string
}

// ActiveChatRun is mutated by the goroutine that creates it while it is
// in flight. Other goroutines reach it only through State.ActiveRun, to
// set OutputCancelled and call Cancel (gateway output_cancel, hub
// session delete); clients observe it only through broadcasts.
type ActiveChatRun struct {
	TurnID              string
	ResponseID          string
	Cancel              context.CancelFunc
	AccumulatedText     string
	TextStartedAt       *time.Time
	ActiveToolCalls     map[string]ToolCallInfo
	OutputCancelled     bool
	AudioTruncatedAtMs  *int64
	AgentExchangeID     string
	TTSSession          llm.TtsSession
}

// QueuedMessage is one pending turn waiting for the active run to
// finish, per §3.
type QueuedMessage struct {
	ID            string
	Text          string
	QueuedAt      time.Time
	Source        string // "user" | "agent"
	FromAgentID   string
	FromSessionID string
	Execute       func(ctx context.Context)
}

// State is the hub's LogicalSessionState for one session. Apart from
// the exported Summary field, which the hub and gateway read and
// replace directly without taking the lock, all access goes through its
// lock-protected methods; the Run Controller is handed a *State
// directly but never reaches into its fields.
type State struct {
	mu sync.Mutex

	Summary       *sessionindex.Summary
	chatMessages  []chatevent.CompletionMessage
	activeRun     *ActiveChatRun
	queue         []*QueuedMessage
	deleted       bool
	lastTouchedAt time.Time
	connections   map[string]struct{}
}

func New(summary *sessionindex.Summary) *State {
	return &State{
		Summary:       summary,
		connections:   make(map[string]struct{}),
		lastTouchedAt: time.Now(),
	}
}

func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

func (s *State) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun != nil
}

func (s *State) IsDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

func (s *State) MarkDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
}

// TryBeginRun atomically checks that no run is active and the session
// isn't deleted, then installs run as the ActiveChatRun. It is the sole
// enforcement point of the "at most one ActiveChatRun" invariant.
func (s *State) TryBeginRun(run *ActiveChatRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != nil || s.deleted {
		return false
	}
	s.activeRun = run
	return true
}

func (s *State) ActiveRun() *ActiveChatRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

func (s *State) EndRun() {
	s.mu.Lock()
	s.activeRun = nil
	s.mu.Unlock()
}

func (s *State) AppendChatMessage(msg chatevent.CompletionMessage) {
	s.mu.Lock()
	s.chatMessages = append(s.chatMessages, msg)
	s.mu.Unlock()
}

// PopLastMessageIfRole removes the last chat message iff it has role.
// Used to undo a just-pushed user message on pre-stream cancellation.
func (s *State) PopLastMessageIfRole(role chatevent.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.chatMessages)
	if n == 0 {
		return
	}
	if s.chatMessages[n-1].Role == role {
		s.chatMessages = s.chatMessages[:n-1]
	}
}

func (s *State) SnapshotChatMessages() []chatevent.CompletionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatevent.CompletionMessage, len(s.chatMessages))
	copy(out, s.chatMessages)
	return out
}

func (s *State) SetChatMessages(msgs []chatevent.CompletionMessage) {
	s.mu.Lock()
	s.chatMessages = msgs
	s.mu.Unlock()
}

// Enqueue appends to the FIFO and returns the new queue length (the
// wire protocol's message_queued.position).
func (s *State) Enqueue(msg *QueuedMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, msg)
	return len(s.queue)
}

// DequeueNext pops the head of the FIFO iff no run is active.
func (s *State) DequeueNext() (*QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != nil || len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *State) ClearQueue() []*QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.queue
	s.queue = nil
	return drained
}

func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *State) AttachConnection(connID string) {
	s.mu.Lock()
	s.connections[connID] = struct{}{}
	s.lastTouchedAt = time.Now()
	s.mu.Unlock()
}

func (s *State) DetachConnection(connID string) {
	s.mu.Lock()
	delete(s.connections, connID)
	s.mu.Unlock()
}

func (s *State) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

func (s *State) Touch() {
	s.mu.Lock()
	s.lastTouchedAt = time.Now()
	s.mu.Unlock()
}

func (s *State) LastTouchedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouchedAt
}

// EvictionEligible reports whether this state has neither an active run
// nor attached connections (§4.6 eviction rule).
func (s *State) EvictionEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun == nil && len(s.connections) == 0
}
