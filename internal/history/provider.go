// Package history implements the History Providers (C2): resolving a
// session's prior ChatEvents either from the durable event store or by
// translating an external CLI's on-disk session file.
package history

import (
	"context"

	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/sessionindex"
)

// Provider resolves the ChatEvent history for a session.
type Provider interface {
	// Supports reports whether this provider should handle summary.
	Supports(summary *sessionindex.Summary) bool
	GetHistory(ctx context.Context, summary *sessionindex.Summary) ([]chatevent.Event, error)
	// ShouldPersist reports whether newly produced events for this
	// session should also be mirrored into the event store (§4.2:
	// false for provider-backed sessions whose source of truth is an
	// external file).
	ShouldPersist(summary *sessionindex.Summary) bool
}

// Registry queries providers in order; the first whose Supports returns
// true handles the request.
type Registry struct {
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Resolve returns the first provider whose Supports reports true, or nil
// if none does; it does not load any history itself.
func (r *Registry) Resolve(summary *sessionindex.Summary) Provider {
	for _, p := range r.providers {
		if p.Supports(summary) {
			return p
		}
	}
	return nil
}

func (r *Registry) GetHistory(ctx context.Context, summary *sessionindex.Summary) ([]chatevent.Event, Provider, error) {
	p := r.Resolve(summary)
	if p == nil {
		return nil, nil, nil
	}
	events, err := p.GetHistory(ctx, summary)
	return events, p, err
}
