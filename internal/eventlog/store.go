// Package eventlog implements the Event Store (C1): an append-only,
// per-session ChatEvent log with live subscription fan-out.
//
// The per-session mutex and buffered-subscriber-channel shapes follow
// a sync.Map per-session lock idiom and a subscriber-set pattern used
// for streaming CLI session output (map[chan T]struct{}).
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/chatevent"
)

// Store is the contract §4.1 describes.
type Store interface {
	Append(ctx context.Context, sessionID string, ev chatevent.Event) (chatevent.Event, error)
	AppendBatch(ctx context.Context, sessionID string, evs []chatevent.Event) ([]chatevent.Event, error)
	GetEvents(ctx context.Context, sessionID string) ([]chatevent.Event, error)
	GetEventsSince(ctx context.Context, sessionID, eventID string) ([]chatevent.Event, error)
	Subscribe(sessionID string, sink func(chatevent.Event)) (unsubscribe func())
	ClearSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

const subscriberBuffer = 256

type subscriber struct {
	ch     chan chatevent.Event
	cancel func()
}

// session holds one session's event slice plus its live subscribers. All
// mutation goes through mu, serializing appends the way §5 requires
// ("history writes for a session are serialized").
type session struct {
	mu      sync.Mutex
	events  []chatevent.Event
	subs    map[*subscriber]struct{}
}

// MemoryStore is the in-memory Store implementation used in standalone
// mode and as the live fan-out layer composed into PGStore.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*session)}
}

func (s *MemoryStore) sessionFor(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{subs: make(map[*subscriber]struct{})}
		s.sessions[id] = sess
	}
	return sess
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, ev chatevent.Event) (chatevent.Event, error) {
	evs, err := s.AppendBatch(ctx, sessionID, []chatevent.Event{ev})
	if err != nil {
		return chatevent.Event{}, err
	}
	return evs[0], nil
}

func (s *MemoryStore) AppendBatch(ctx context.Context, sessionID string, evs []chatevent.Event) ([]chatevent.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	sess := s.sessionFor(sessionID)
	sess.mu.Lock()
	stamped := make([]chatevent.Event, len(evs))
	for i, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		ev.SessionID = sessionID
		stamped[i] = ev
	}
	sess.events = append(sess.events, stamped...)
	subs := make([]*subscriber, 0, len(sess.subs))
	for sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.mu.Unlock()

	for _, sub := range subs {
		for _, ev := range stamped {
			select {
			case sub.ch <- ev:
			default:
				slog.Warn("eventlog: subscriber overflow, disconnecting", "session", sessionID)
				sub.cancel()
			}
		}
	}
	return stamped, nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, sessionID string) ([]chatevent.Event, error) {
	sess := s.sessionFor(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]chatevent.Event, len(sess.events))
	copy(out, sess.events)
	return out, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, sessionID, eventID string) ([]chatevent.Event, error) {
	all, err := s.GetEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if eventID == "" {
		return all, nil
	}
	for i, ev := range all {
		if ev.ID == eventID {
			return append([]chatevent.Event{}, all[i+1:]...), nil
		}
	}
	return all, nil
}

// Subscribe registers sink to receive every future appended event for
// sessionID, via a dedicated goroutine that drains a bounded channel in
// append order. Sustained overflow disconnects the subscriber rather
// than silently skipping an event out of order.
func (s *MemoryStore) Subscribe(sessionID string, sink func(chatevent.Event)) func() {
	sess := s.sessionFor(sessionID)
	sub := &subscriber{ch: make(chan chatevent.Event, subscriberBuffer)}
	done := make(chan struct{})
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			sess.mu.Lock()
			delete(sess.subs, sub)
			sess.mu.Unlock()
			close(done)
		})
	}

	sess.mu.Lock()
	sess.subs[sub] = struct{}{}
	sess.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				sink(ev)
			case <-done:
				return
			}
		}
	}()

	return sub.cancel
}

func (s *MemoryStore) ClearSession(ctx context.Context, sessionID string) error {
	sess := s.sessionFor(sessionID)
	sess.mu.Lock()
	sess.events = nil
	sess.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	subs := make([]*subscriber, 0, len(sess.subs))
	for sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.subs = nil
	sess.events = nil
	sess.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return apperr.StorageError(err)
}
