package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sablefox/conduit/internal/chatevent"
)

// PGStore durably persists events to Postgres and composes a MemoryStore
// purely as the live subscriber fan-out layer (§4.1's subscribe
// contract is only about future appends, so the fan-out side never needs
// to touch the database). A cache-over-db shape, adapted here to an
// append-only log instead of a keyed cache.
type PGStore struct {
	db   *sql.DB
	live *MemoryStore
}

func OpenPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, live: NewMemoryStore()}
}

func (p *PGStore) Append(ctx context.Context, sessionID string, ev chatevent.Event) (chatevent.Event, error) {
	evs, err := p.AppendBatch(ctx, sessionID, []chatevent.Event{ev})
	if err != nil {
		return chatevent.Event{}, err
	}
	return evs[0], nil
}

func (p *PGStore) AppendBatch(ctx context.Context, sessionID string, evs []chatevent.Event) ([]chatevent.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	stamped, err := p.live.AppendBatch(ctx, sessionID, evs)
	if err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()
	for _, ev := range stamped {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, storageErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_events (id, session_id, type, body, created_at) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, sessionID, string(ev.Type), body, ev.Timestamp); err != nil {
			return nil, storageErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return stamped, nil
}

func (p *PGStore) GetEvents(ctx context.Context, sessionID string) ([]chatevent.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT body FROM chat_events WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []chatevent.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storageErr(err)
		}
		var ev chatevent.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			slog.Warn("eventlog/pg: skipping malformed row", "session", sessionID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PGStore) GetEventsSince(ctx context.Context, sessionID, eventID string) ([]chatevent.Event, error) {
	all, err := p.GetEvents(ctx, sessionID)
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

func (p *PGStore) Subscribe(sessionID string, sink func(chatevent.Event)) func() {
	return p.live.Subscribe(sessionID, sink)
}

func (p *PGStore) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM chat_events WHERE session_id = $1`, sessionID); err != nil {
		return storageErr(err)
	}
	return p.live.ClearSession(ctx, sessionID)
}

func (p *PGStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := p.ClearSession(ctx, sessionID); err != nil {
		return err
	}
	return p.live.DeleteSession(ctx, sessionID)
}

var _ Store = (*PGStore)(nil)
