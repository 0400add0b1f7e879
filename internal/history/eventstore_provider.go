package history

import (
	"context"

	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/eventlog"
	"github.com/sablefox/conduit/internal/sessionindex"
)

// EventStoreHistoryProvider is the default, always-matches provider; it
// must be registered last in the registry's provider list.
type EventStoreHistoryProvider struct {
	Events eventlog.Store
}

func (p *EventStoreHistoryProvider) Supports(summary *sessionindex.Summary) bool {
	return true
}

func (p *EventStoreHistoryProvider) GetHistory(ctx context.Context, summary *sessionindex.Summary) ([]chatevent.Event, error) {
	return p.Events.GetEvents(ctx, summary.SessionID)
}

func (p *EventStoreHistoryProvider) ShouldPersist(summary *sessionindex.Summary) bool {
	return true
}

var _ Provider = (*EventStoreHistoryProvider)(nil)
