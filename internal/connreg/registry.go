// Package connreg implements the Connection Registry (C4): tracks
// connections, per-session subscriptions and interaction capability, and
// performs session-scoped and global broadcasts.
//
// Shape follows a Subscribe/Unsubscribe/Broadcast event-publisher
// interface, generalized from a single global subscriber map to the
// coupled
// connection<->session maps §4.4/§5 requires.
package connreg

import (
	"log/slog"
	"sync"

	"github.com/sablefox/conduit/pkg/protocol"
)

// Sender is implemented by the gateway's per-connection client.
type Sender interface {
	Send(frame protocol.Envelope) error
}

type InteractionCapability struct {
	Supported bool
	Enabled   bool
}

type connState struct {
	sender        Sender
	subscriptions map[string]struct{}
	interaction   InteractionCapability
}

// Registry is safe for concurrent use; all iteration takes a snapshot
// under the read lock before releasing it, so broadcasts never hold the
// lock during a Send call (§4.4: "done over a snapshot").
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*connState
	bySession  map[string]map[string]struct{} // sessionID -> set<connID>
}

func New() *Registry {
	return &Registry{
		conns:     make(map[string]*connState),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) RegisterConnection(connID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connState{sender: sender, subscriptions: make(map[string]struct{})}
}

// UnregisterConnection removes connID and every subscription it held,
// returning the session IDs it was subscribed to so callers can detach
// the connection from the session-level state they own too (§4.4/§4.6:
// a connection leaving must not leave stale entries behind in either
// layer).
func (r *Registry) UnregisterConnection(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[connID]
	if !ok {
		return nil
	}
	sessionIDs := make([]string, 0, len(cs.subscriptions))
	for sessionID := range cs.subscriptions {
		sessionIDs = append(sessionIDs, sessionID)
		if set, ok := r.bySession[sessionID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.bySession, sessionID)
			}
		}
	}
	delete(r.conns, connID)
	return sessionIDs
}

func (r *Registry) Subscribe(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[connID]
	if !ok {
		return false
	}
	cs.subscriptions[sessionID] = struct{}{}
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[sessionID] = set
	}
	set[connID] = struct{}{}
	return true
}

func (r *Registry) Unsubscribe(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.conns[connID]; ok {
		delete(cs.subscriptions, sessionID)
	}
	if set, ok := r.bySession[sessionID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

func (r *Registry) UnsubscribeAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[connID]
	if !ok {
		return
	}
	for sessionID := range cs.subscriptions {
		if set, ok := r.bySession[sessionID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.bySession, sessionID)
			}
		}
	}
	cs.subscriptions = make(map[string]struct{})
}

func (r *Registry) IsSubscribed(sessionID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = cs.subscriptions[sessionID]
	return ok
}

func (r *Registry) snapshotSession(sessionID string) []*connState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	out := make([]*connState, 0, len(set))
	for connID := range set {
		out = append(out, r.conns[connID])
	}
	return out
}

func (r *Registry) snapshotSessionExcluding(sessionID, except string) []*connState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	out := make([]*connState, 0, len(set))
	for connID := range set {
		if connID == except {
			continue
		}
		out = append(out, r.conns[connID])
	}
	return out
}

func (r *Registry) snapshotAll() []*connState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connState, 0, len(r.conns))
	for _, cs := range r.conns {
		out = append(out, cs)
	}
	return out
}

func (r *Registry) BroadcastToSession(sessionID string, frame protocol.Envelope) {
	for _, cs := range r.snapshotSession(sessionID) {
		if cs == nil {
			continue
		}
		if err := cs.sender.Send(frame); err != nil {
			slog.Warn("connreg: send failed", "session", sessionID, "error", err)
		}
	}
}

func (r *Registry) BroadcastToSessionExcluding(sessionID string, frame protocol.Envelope, except string) {
	for _, cs := range r.snapshotSessionExcluding(sessionID, except) {
		if cs == nil {
			continue
		}
		if err := cs.sender.Send(frame); err != nil {
			slog.Warn("connreg: send failed", "session", sessionID, "error", err)
		}
	}
}

func (r *Registry) BroadcastToAll(frame protocol.Envelope) {
	for _, cs := range r.snapshotAll() {
		if err := cs.sender.Send(frame); err != nil {
			slog.Warn("connreg: broadcast failed", "error", err)
		}
	}
}

func (r *Registry) SendToConnection(connID string, frame protocol.Envelope) bool {
	r.mu.RLock()
	cs, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := cs.sender.Send(frame); err != nil {
		slog.Warn("connreg: send failed", "conn", connID, "error", err)
		return false
	}
	return true
}

// SendIfSubscribed drops the frame if connID is not subscribed to
// sessionID (§4.8).
func (r *Registry) SendIfSubscribed(connID, sessionID string, frame protocol.Envelope) bool {
	if !r.IsSubscribed(sessionID, connID) {
		return false
	}
	return r.SendToConnection(connID, frame)
}

func (r *Registry) SetInteractionState(connID string, supported, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.conns[connID]; ok {
		cs.interaction = InteractionCapability{Supported: supported, Enabled: enabled}
	}
}

type InteractionSummary struct {
	SupportedCount int
	EnabledCount   int
}

func (r *Registry) GetInteractionSummary(sessionID string) InteractionSummary {
	var out InteractionSummary
	for _, cs := range r.snapshotSession(sessionID) {
		if cs == nil {
			continue
		}
		if cs.interaction.Supported {
			out.SupportedCount++
		}
		if cs.interaction.Enabled {
			out.EnabledCount++
		}
	}
	return out
}
