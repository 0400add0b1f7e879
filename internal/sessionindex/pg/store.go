// Package pg implements sessionindex.Store over Postgres with an
// in-memory read cache: a cache map fronting the database with
// double-checked locking on miss.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/sessionindex"
)

func OpenPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*sessionindex.Summary
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, cache: make(map[string]*sessionindex.Summary)}
}

func (s *Store) Create(ctx context.Context, summary *sessionindex.Summary) error {
	if summary.SessionID == "" {
		summary.SessionID = uuid.Must(uuid.NewV7()).String()
	}
	attrs, err := json.Marshal(summary.Attributes)
	if err != nil {
		return apperr.StorageError(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_summaries (session_id, agent_id, name, created_at, updated_at, pinned_at, deleted, attributes)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (session_id) DO NOTHING`,
		summary.SessionID, summary.AgentID, summary.Name, summary.CreatedAt, summary.UpdatedAt,
		summary.PinnedAt, summary.Deleted, attrs)
	if err != nil {
		return apperr.StorageError(err)
	}
	s.mu.Lock()
	s.cache[summary.SessionID] = summary.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessionindex.Summary, error) {
	s.mu.RLock()
	if cached, ok := s.cache[sessionID]; ok {
		s.mu.RUnlock()
		return cached.Clone(), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[sessionID]; ok {
		return cached.Clone(), nil
	}
	summary, err := s.loadFromDB(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.cache[sessionID] = summary
	return summary.Clone(), nil
}

func (s *Store) loadFromDB(ctx context.Context, sessionID string) (*sessionindex.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, agent_id, name, created_at, updated_at, pinned_at, deleted, attributes
		 FROM session_summaries WHERE session_id = $1`, sessionID)
	var (
		summary sessionindex.Summary
		agentID, name sql.NullString
		pinnedAt       sql.NullTime
		attrs          []byte
	)
	if err := row.Scan(&summary.SessionID, &agentID, &name, &summary.CreatedAt, &summary.UpdatedAt, &pinnedAt, &summary.Deleted, &attrs); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, apperr.CodeWindowNotFound, "session not found: "+sessionID)
		}
		return nil, apperr.StorageError(err)
	}
	summary.AgentID = agentID.String
	summary.Name = name.String
	if pinnedAt.Valid {
		summary.PinnedAt = &pinnedAt.Time
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &summary.Attributes); err != nil {
			return nil, apperr.StorageError(err)
		}
	}
	if summary.Attributes == nil {
		summary.Attributes = map[string]any{}
	}
	return &summary, nil
}

func (s *Store) List(ctx context.Context, opts sessionindex.ListOpts) ([]*sessionindex.Summary, error) {
	query := `SELECT session_id, agent_id, name, created_at, updated_at, pinned_at, deleted, attributes FROM session_summaries WHERE 1=1`
	var args []any
	if opts.AgentID != "" {
		args = append(args, opts.AgentID)
		query += ` AND agent_id = $` + itoa(len(args))
	}
	if !opts.IncludeDeleted {
		query += ` AND deleted = FALSE`
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.StorageError(err)
	}
	defer rows.Close()
	var out []*sessionindex.Summary
	for rows.Next() {
		var (
			summary        sessionindex.Summary
			agentID, name  sql.NullString
			pinnedAt       sql.NullTime
			attrs          []byte
		)
		if err := rows.Scan(&summary.SessionID, &agentID, &name, &summary.CreatedAt, &summary.UpdatedAt, &pinnedAt, &summary.Deleted, &attrs); err != nil {
			return nil, apperr.StorageError(err)
		}
		summary.AgentID = agentID.String
		summary.Name = name.String
		if pinnedAt.Valid {
			summary.PinnedAt = &pinnedAt.Time
		}
		if len(attrs) > 0 {
			json.Unmarshal(attrs, &summary.Attributes)
		}
		out = append(out, &summary)
	}
	return out, rows.Err()
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func (s *Store) persist(ctx context.Context, summary *sessionindex.Summary) error {
	attrs, err := json.Marshal(summary.Attributes)
	if err != nil {
		return apperr.StorageError(err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE session_summaries SET agent_id=$2, name=$3, updated_at=$4, pinned_at=$5, deleted=$6, attributes=$7
		 WHERE session_id=$1`,
		summary.SessionID, summary.AgentID, summary.Name, summary.UpdatedAt, summary.PinnedAt, summary.Deleted, attrs)
	if err != nil {
		return apperr.StorageError(err)
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, sessionID string, fn func(*sessionindex.Summary) error) (*sessionindex.Summary, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, current); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[sessionID] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

func (s *Store) MarkSessionActivity(ctx context.Context, sessionID string, snippet *string) error {
	_, err := s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error {
		if snippet != nil {
			summary.Attributes = sessionindex.MergeAttributes(summary.Attributes, map[string]any{
				"core": map[string]any{"lastActiveAt": time.Now().UTC().Format(time.RFC3339), "lastSnippet": *snippet},
			})
		}
		return nil
	})
	return err
}

func (s *Store) PinSession(ctx context.Context, sessionID string, pinned bool) error {
	_, err := s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error {
		if pinned {
			now := time.Now().UTC()
			summary.PinnedAt = &now
		} else {
			summary.PinnedAt = nil
		}
		return nil
	})
	return err
}

func (s *Store) UpdateSessionAttributes(ctx context.Context, sessionID string, patch map[string]any) (*sessionindex.Summary, error) {
	if err := sessionindex.ValidateAttributePatch(patch); err != nil {
		return nil, err
	}
	return s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error {
		summary.Attributes = sessionindex.MergeAttributes(summary.Attributes, patch)
		return nil
	})
}

func (s *Store) RenameSession(ctx context.Context, sessionID, name string) error {
	_, err := s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error {
		summary.Name = name
		return nil
	})
	return err
}

func (s *Store) MarkSessionDeleted(ctx context.Context, sessionID string) error {
	_, err := s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error {
		summary.Deleted = true
		return nil
	})
	return err
}

func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error { return nil })
	return err
}

func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.mutate(ctx, sessionID, func(summary *sessionindex.Summary) error { return nil })
	return err
}

var _ sessionindex.Store = (*Store)(nil)
