// Package hub implements the Session Hub (C6): the orchestrator that
// owns every LogicalSessionState, mediates connection attach/detach,
// loads and projects history on first touch, and fans session
// mutations out to every connection.
//
// A create-or-fetch, LRU-bounded session registry composed with a
// broadcast-on-mutation pattern.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/chatproj"
	"github.com/sablefox/conduit/internal/connreg"
	"github.com/sablefox/conduit/internal/eventlog"
	"github.com/sablefox/conduit/internal/history"
	"github.com/sablefox/conduit/internal/interaction"
	"github.com/sablefox/conduit/internal/run"
	"github.com/sablefox/conduit/internal/sessionindex"
	"github.com/sablefox/conduit/internal/sessionstate"
	"github.com/sablefox/conduit/pkg/protocol"
)

// WorkingDirResolver materializes a session's working directory on
// first ensure (§3's lifecycle note); left nil to skip
// provisioning entirely.
type WorkingDirResolver interface {
	Ensure(ctx context.Context, sessionID string) (string, error)
}

// Hub owns every cached LogicalSessionState for this process.
type Hub struct {
	Index       sessionindex.Store
	Events      eventlog.Store
	History     *history.Registry
	Conns       *connreg.Registry
	Interaction *interaction.Registry
	CliCalls    *interaction.CliRendezvous
	Run         *run.Controller
	WorkingDirs WorkingDirResolver

	MaxCached int // LRU bound, default 100 per §3

	mu     sync.Mutex
	states map[string]*sessionstate.State
}

func New(index sessionindex.Store, events eventlog.Store, hist *history.Registry, conns *connreg.Registry, interactions *interaction.Registry, cliCalls *interaction.CliRendezvous, runCtrl *run.Controller) *Hub {
	h := &Hub{
		Index: index, Events: events, History: hist, Conns: conns,
		Interaction: interactions, CliCalls: cliCalls, Run: runCtrl,
		MaxCached: 100,
		states:    make(map[string]*sessionstate.State),
	}
	runCtrl.OnRunComplete = h.processNextQueuedMessage
	return h
}

func (h *Hub) maxCached() int {
	if h.MaxCached <= 0 {
		return 100
	}
	return h.MaxCached
}

// EnsureSessionState creates or fetches the state for sessionID, loading
// history and projecting it into chat messages on first touch, per
// §4.6. hint, if non-nil, seeds a brand-new session's summary.
func (h *Hub) EnsureSessionState(ctx context.Context, sessionID string, hint *sessionindex.Summary) (*sessionstate.State, error) {
	h.mu.Lock()
	if st, ok := h.states[sessionID]; ok {
		h.mu.Unlock()
		st.Touch()
		return st, nil
	}
	h.mu.Unlock()

	summary, err := h.Index.Get(ctx, sessionID)
	if err != nil {
		ae, isAppErr := apperr.As(err)
		if !isAppErr || ae.Kind != apperr.KindNotFound {
			return nil, apperr.StorageError(err)
		}
		summary = hint
		if summary == nil {
			summary = &sessionindex.Summary{SessionID: sessionID, Attributes: map[string]any{}}
		}
		summary.CreatedAt = time.Now()
		summary.UpdatedAt = summary.CreatedAt
		if err := h.Index.Create(ctx, summary); err != nil {
			return nil, apperr.StorageError(err)
		}
	}

	if h.WorkingDirs != nil && summary.WorkingDir() == "" {
		dir, err := h.WorkingDirs.Ensure(ctx, sessionID)
		if err != nil {
			slog.Warn("hub: failed to provision working dir", "session", sessionID, "error", err)
		} else if dir != "" {
			if _, err := h.Index.UpdateSessionAttributes(ctx, sessionID, map[string]any{
				"core": map[string]any{"workingDir": dir},
			}); err != nil {
				slog.Warn("hub: failed to persist working dir", "session", sessionID, "error", err)
			} else {
				summary.Attributes = sessionindex.MergeAttributes(summary.Attributes, map[string]any{
					"core": map[string]any{"workingDir": dir},
				})
			}
		}
	}

	events, provider, err := h.History.GetHistory(ctx, summary)
	if err != nil {
		slog.Warn("hub: history load failed, starting empty", "session", sessionID, "error", err)
		events = nil
	}

	messages := chatproj.Project(events, projectionProviderFor(provider))

	st := sessionstate.New(summary)
	st.SetChatMessages(messages)

	h.mu.Lock()
	h.states[sessionID] = st
	h.evictLocked()
	h.mu.Unlock()

	return st, nil
}

// evictLocked drops the least-recently-touched eviction-eligible state
// once the cache exceeds MaxCached, per §4.6. States that are not
// eligible are skipped and touched to the back of the LRU order.
func (h *Hub) evictLocked() {
	if len(h.states) <= h.maxCached() {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	var candidates []entry
	for id, st := range h.states {
		if st.EvictionEligible() {
			candidates = append(candidates, entry{id, st.LastTouchedAt()})
		} else {
			st.Touch()
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	for _, c := range candidates {
		if len(h.states) <= h.maxCached() {
			return
		}
		delete(h.states, c.id)
	}
}

// AttachConnection registers a new connection and subscribes it to a
// session, per §4.6: the requested session if alive, else the
// most-recently-active non-deleted session.
func (h *Hub) AttachConnection(ctx context.Context, connID string, sender connreg.Sender, requestedSessionID string) (*sessionstate.State, error) {
	h.Conns.RegisterConnection(connID, sender)

	sessionID := requestedSessionID
	if sessionID != "" {
		summary, err := h.Index.Get(ctx, sessionID)
		if err != nil {
			if ae, ok := apperr.As(err); !ok || ae.Kind != apperr.KindNotFound {
				return nil, apperr.StorageError(err)
			}
			summary = nil
		}
		if summary == nil || summary.Deleted {
			sessionID = ""
		}
	}
	if sessionID == "" {
		if recent, err := h.Index.List(ctx, sessionindex.ListOpts{}); err == nil && len(recent) > 0 {
			sessionID = recent[0].SessionID // List returns most-recently-updated first
		} else {
			sessionID = uuid.NewString()
		}
	}

	st, err := h.EnsureSessionState(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	return st, h.SubscribeConnection(connID, sessionID, st)
}

func (h *Hub) SubscribeConnection(connID, sessionID string, st *sessionstate.State) error {
	if !h.Conns.Subscribe(sessionID, connID) {
		return apperr.InvalidSessionID(sessionID)
	}
	st.AttachConnection(connID)
	return nil
}

func (h *Hub) UnsubscribeConnection(connID, sessionID string, st *sessionstate.State) {
	h.Conns.Unsubscribe(sessionID, connID)
	if st != nil {
		st.DetachConnection(connID)
	}
}

// DetachConnection handles a connection going away without an explicit
// unsubscribe for every session it touched (the ordinary close path),
// so each LogicalSessionState's connection set stays in sync with the
// registry's own bookkeeping and EvictionEligible keeps working (§4.6).
func (h *Hub) DetachConnection(connID string) {
	sessionIDs := h.Conns.UnregisterConnection(connID)
	if len(sessionIDs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sessionID := range sessionIDs {
		if st, ok := h.states[sessionID]; ok {
			st.DetachConnection(connID)
		}
	}
}

func (h *Hub) broadcastSessionEvent(typ string, summary *sessionindex.Summary) {
	var pinnedAt *int64
	if summary.PinnedAt != nil {
		ms := summary.PinnedAt.UnixMilli()
		pinnedAt = &ms
	}
	h.Conns.BroadcastToAll(mustEncode(typ, protocol.SessionEventPayload{
		SessionID: summary.SessionID, AgentID: summary.AgentID, Name: summary.Name,
		PinnedAt: pinnedAt, UpdatedAt: summary.UpdatedAt.UnixMilli(), Attributes: summary.Attributes,
	}))
}

func (h *Hub) RecordSessionActivity(ctx context.Context, sessionID string, snippet *string) error {
	if err := h.Index.MarkSessionActivity(ctx, sessionID, snippet); err != nil {
		return apperr.StorageError(err)
	}
	if summary, err := h.Index.Get(ctx, sessionID); err == nil && summary != nil {
		h.broadcastSessionEvent(protocol.TypeSessionUpdated, summary)
	}
	return nil
}

func (h *Hub) PinSession(ctx context.Context, sessionID string, pinned bool) error {
	if err := h.Index.PinSession(ctx, sessionID, pinned); err != nil {
		return apperr.StorageError(err)
	}
	if summary, err := h.Index.Get(ctx, sessionID); err == nil && summary != nil {
		h.broadcastSessionEvent(protocol.TypeSessionUpdated, summary)
	}
	return nil
}

func (h *Hub) RenameSession(ctx context.Context, sessionID, name string) error {
	if err := h.Index.RenameSession(ctx, sessionID, name); err != nil {
		return apperr.StorageError(err)
	}
	if summary, err := h.Index.Get(ctx, sessionID); err == nil && summary != nil {
		h.broadcastSessionEvent(protocol.TypeSessionUpdated, summary)
	}
	return nil
}

func (h *Hub) UpdateSessionAttributes(ctx context.Context, sessionID string, patch map[string]any) (*sessionindex.Summary, error) {
	if err := sessionindex.ValidateAttributePatch(patch); err != nil {
		return nil, err
	}
	summary, err := h.Index.UpdateSessionAttributes(ctx, sessionID, patch)
	if err != nil {
		return nil, apperr.StorageError(err)
	}
	h.mu.Lock()
	if st, ok := h.states[sessionID]; ok {
		st.Summary = summary
	}
	h.mu.Unlock()
	h.broadcastSessionEvent(protocol.TypeSessionUpdated, summary)
	return summary, nil
}

func (h *Hub) TouchSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	if st, ok := h.states[sessionID]; ok {
		st.Touch()
	}
	h.mu.Unlock()
	return h.Index.TouchSession(ctx, sessionID)
}

// ClearSession wipes a session's event log but keeps the summary alive
// (§4.5/§8: "clearSession(S) implies getEvents(S) = []").
func (h *Hub) ClearSession(ctx context.Context, sessionID string) error {
	if err := h.Index.ClearSession(ctx, sessionID); err != nil {
		return apperr.StorageError(err)
	}
	if err := h.Events.ClearSession(ctx, sessionID); err != nil {
		slog.Warn("hub: failed to clear event log", "session", sessionID, "error", err)
	}
	h.mu.Lock()
	if st, ok := h.states[sessionID]; ok {
		st.SetChatMessages(nil)
		st.ClearQueue()
	}
	h.mu.Unlock()
	h.Conns.BroadcastToAll(mustEncode(protocol.TypeSessionCleared, protocol.SessionEventPayload{SessionID: sessionID}))
	return nil
}

// DeleteSession marks a session deleted, aborts its active run, clears
// its queue, and drains any pending interaction slots, per §4.6.
func (h *Hub) DeleteSession(ctx context.Context, sessionID string) error {
	if err := h.Index.MarkSessionDeleted(ctx, sessionID); err != nil {
		return apperr.StorageError(err)
	}

	h.mu.Lock()
	st, ok := h.states[sessionID]
	h.mu.Unlock()
	if ok {
		st.MarkDeleted()
		if active := st.ActiveRun(); active != nil && active.Cancel != nil {
			active.Cancel()
		}
		st.ClearQueue()
	}
	if err := h.Events.DeleteSession(ctx, sessionID); err != nil {
		slog.Warn("hub: failed to delete event log", "session", sessionID, "error", err)
	}
	h.Interaction.CloseSession(sessionID)
	h.CliCalls.ClearSession(sessionID)

	h.Conns.BroadcastToAll(mustEncode(protocol.TypeSessionDeleted, protocol.SessionEventPayload{SessionID: sessionID}))
	return nil
}

// processNextQueuedMessage drains one queued turn once the active run
// for sessionID has cleared, per §4.6/§4.7 step 9.
func (h *Hub) processNextQueuedMessage(sessionID string) {
	h.mu.Lock()
	st, ok := h.states[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	msg, ok := st.DequeueNext()
	if !ok {
		return
	}
	h.Conns.BroadcastToSession(sessionID, mustEncode(protocol.TypeMessageDequeued, protocol.MessageDequeuedPayload{
		SessionID: sessionID, MessageID: msg.ID,
	}))
	go msg.Execute(context.Background())
}

// RecordCliToolCall and MatchCliToolCall delegate to the hub's CLI
// rendezvous matcher, interaction.CliRendezvous (§4.9's supplemented
// argsHash keying).
func (h *Hub) RecordCliToolCall(sessionID, callID, toolName, argsJSON string) interaction.CliCallRecord {
	return h.CliCalls.Record(sessionID, callID, toolName, argsJSON)
}

func (h *Hub) MatchCliToolCall(opts interaction.MatchOpts) (interaction.CliCallRecord, bool) {
	return h.CliCalls.Match(opts)
}

func (h *Hub) SetInteractionState(connID string, supported, enabled bool) {
	h.Conns.SetInteractionState(connID, supported, enabled)
}

func (h *Hub) GetInteractionAvailability(sessionID string) connreg.InteractionSummary {
	return h.Conns.GetInteractionSummary(sessionID)
}

// projectionProviderFor maps the history provider that resolved a
// session's events onto the chat-message projection's provider variant
// (§4.3): Claude-CLI-backed sessions flatten to a plain transcript,
// Pi-backed sessions use the Pi projection (structured, with thinking
// preserved), and everything else keeps the generic structured projection.
func projectionProviderFor(p history.Provider) chatproj.Provider {
	switch p.(type) {
	case *history.ClaudeSessionHistoryProvider:
		return chatproj.ProviderClaudeCLI
	case *history.PiSessionHistoryProvider:
		return chatproj.ProviderPi
	default:
		return chatproj.ProviderGeneric
	}
}

func mustEncode(typ string, payload any) protocol.Envelope {
	env, err := protocol.Encode(typ, payload)
	if err != nil {
		slog.Error("hub: failed to encode frame", "type", typ, "error", err)
		return protocol.Envelope{Type: typ}
	}
	return env
}
