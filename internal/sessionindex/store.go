package sessionindex

import "context"

// ListOpts narrows a listing, e.g. by owning agent.
type ListOpts struct {
	AgentID        string
	IncludeDeleted bool
}

// Store is the C5 contract: §4.5.
type Store interface {
	Create(ctx context.Context, summary *Summary) error
	Get(ctx context.Context, sessionID string) (*Summary, error)
	List(ctx context.Context, opts ListOpts) ([]*Summary, error)
	MarkSessionActivity(ctx context.Context, sessionID string, snippet *string) error
	PinSession(ctx context.Context, sessionID string, pinned bool) error
	UpdateSessionAttributes(ctx context.Context, sessionID string, patch map[string]any) (*Summary, error)
	RenameSession(ctx context.Context, sessionID, name string) error
	MarkSessionDeleted(ctx context.Context, sessionID string) error
	ClearSession(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string) error
}
