package history

import "github.com/sablefox/conduit/internal/eventlog"

// NewDefaultRegistry wires the provider order §4.2 requires:
// external-file providers first, the event store last as the catch-all.
// When watchForChanges is set, a background fsnotify watcher is started
// against the configured roots to proactively drop stale cache entries.
func NewDefaultRegistry(events eventlog.Store, claudeRoot, piRoot string, watchForChanges bool) (*Registry, func() error, error) {
	claude := NewClaudeSessionHistoryProvider(claudeRoot)
	pi := NewPiSessionHistoryProvider(piRoot)
	fallback := &EventStoreHistoryProvider{Events: events}

	var closers []func() error
	if watchForChanges {
		if w, err := newFileWatcher(claude.cache, claudeRoot); err == nil {
			closers = append(closers, w.Close)
		}
		if w, err := newFileWatcher(pi.cache, piRoot); err == nil {
			closers = append(closers, w.Close)
		}
	}

	closeAll := func() error {
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	return NewRegistry(claude, pi, fallback), closeAll, nil
}
