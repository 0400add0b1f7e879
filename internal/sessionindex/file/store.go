// Package file implements sessionindex.Store with one JSON file per
// session in a directory, written atomically via a temp-file-then-rename.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/sessionindex"
)

type record struct {
	SessionID  string         `json:"sessionId"`
	AgentID    string         `json:"agentId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Name       string         `json:"name,omitempty"`
	PinnedAt   *time.Time     `json:"pinnedAt,omitempty"`
	Deleted    bool           `json:"deleted,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

func toRecord(s *sessionindex.Summary) *record {
	return &record{
		SessionID: s.SessionID, AgentID: s.AgentID, CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt, Name: s.Name, PinnedAt: s.PinnedAt,
		Deleted: s.Deleted, Attributes: s.Attributes,
	}
}

func fromRecord(r *record) *sessionindex.Summary {
	return &sessionindex.Summary{
		SessionID: r.SessionID, AgentID: r.AgentID, CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt, Name: r.Name, PinnedAt: r.PinnedAt,
		Deleted: r.Deleted, Attributes: r.Attributes,
	}
}

type Store struct {
	mu   sync.RWMutex
	dir  string
	data map[string]*record
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.StorageError(err)
	}
	s := &Store{dir: dir, data: make(map[string]*record)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return apperr.StorageError(err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		s.data[r.SessionID] = &r
	}
	return nil
}

func (s *Store) filename(sessionID string) string {
	return filepath.Join(s.dir, sanitizeFilename(sessionID)+".json")
}

func sanitizeFilename(id string) string {
	return strings.ReplaceAll(strings.ReplaceAll(id, "/", "_"), ":", "_")
}

// saveLocked writes r to disk atomically. Caller must hold s.mu.
func (s *Store) saveLocked(r *record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return apperr.StorageError(err)
	}
	path := s.filename(r.SessionID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperr.StorageError(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return apperr.StorageError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperr.StorageError(err)
	}
	if err := f.Close(); err != nil {
		return apperr.StorageError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.StorageError(err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, summary *sessionindex.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := toRecord(summary)
	if err := s.saveLocked(r); err != nil {
		return err
	}
	s.data[r.SessionID] = r
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessionindex.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[sessionID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeWindowNotFound, "session not found: "+sessionID)
	}
	return fromRecord(r), nil
}

func (s *Store) List(ctx context.Context, opts sessionindex.ListOpts) ([]*sessionindex.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*sessionindex.Summary
	for _, r := range s.data {
		if r.Deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.AgentID != "" && r.AgentID != opts.AgentID {
			continue
		}
		out = append(out, fromRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) mutate(sessionID string, fn func(r *record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[sessionID]
	if !ok {
		return apperr.New(apperr.KindNotFound, apperr.CodeWindowNotFound, "session not found: "+sessionID)
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	return s.saveLocked(r)
}

func (s *Store) MarkSessionActivity(ctx context.Context, sessionID string, snippet *string) error {
	return s.mutate(sessionID, func(r *record) error {
		if snippet != nil {
			if r.Attributes == nil {
				r.Attributes = map[string]any{}
			}
			r.Attributes = sessionindex.MergeAttributes(r.Attributes, map[string]any{
				"core": map[string]any{"lastActiveAt": time.Now().UTC().Format(time.RFC3339), "lastSnippet": *snippet},
			})
		}
		return nil
	})
}

func (s *Store) PinSession(ctx context.Context, sessionID string, pinned bool) error {
	return s.mutate(sessionID, func(r *record) error {
		if pinned {
			now := time.Now().UTC()
			r.PinnedAt = &now
		} else {
			r.PinnedAt = nil
		}
		return nil
	})
}

func (s *Store) UpdateSessionAttributes(ctx context.Context, sessionID string, patch map[string]any) (*sessionindex.Summary, error) {
	if err := sessionindex.ValidateAttributePatch(patch); err != nil {
		return nil, err
	}
	var out *sessionindex.Summary
	err := s.mutate(sessionID, func(r *record) error {
		if r.Attributes == nil {
			r.Attributes = map[string]any{}
		}
		r.Attributes = sessionindex.MergeAttributes(r.Attributes, patch)
		out = fromRecord(r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

func (s *Store) RenameSession(ctx context.Context, sessionID, name string) error {
	return s.mutate(sessionID, func(r *record) error {
		r.Name = name
		return nil
	})
}

func (s *Store) MarkSessionDeleted(ctx context.Context, sessionID string) error {
	return s.mutate(sessionID, func(r *record) error {
		r.Deleted = true
		return nil
	})
}

func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	return s.mutate(sessionID, func(r *record) error { return nil })
}

func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	return s.mutate(sessionID, func(r *record) error { return nil })
}

var _ sessionindex.Store = (*Store)(nil)
