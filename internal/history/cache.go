package history

import (
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sablefox/conduit/internal/chatevent"
)

type cacheEntry struct {
	mtimeMs int64
	events  []chatevent.Event
}

// fileCache implements the "{path -> (mtimeMs, events)}" contract from
// §4.2: reused iff a fresh stat's mtime matches, otherwise re-read.
type fileCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newFileCache() *fileCache {
	return &fileCache{entries: make(map[string]cacheEntry)}
}

// get returns cached events for path if statMs matches the cached
// mtime, else (nil, false).
func (c *fileCache) get(path string, statMs int64) ([]chatevent.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || e.mtimeMs != statMs {
		return nil, false
	}
	return e.events, true
}

func (c *fileCache) put(path string, statMs int64, events []chatevent.Event) {
	c.mu.Lock()
	c.entries[path] = cacheEntry{mtimeMs: statMs, events: events}
	c.mu.Unlock()
}

func (c *fileCache) invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

func statMtimeMs(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}

// fileWatcher proactively invalidates cache entries the moment a
// watched root's files change, rather than waiting for the next stat to
// notice. This is a pure optimization layered on top of fileCache's
// synchronous mtime check, which stays the correctness source of truth
// per §4.2 and §9 ("History cache. Keyed by file path + mtime").
type fileWatcher struct {
	watcher *fsnotify.Watcher
	cache   *fileCache
}

func newFileWatcher(cache *fileCache, roots ...string) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if err := w.Add(root); err != nil {
			slog.Warn("history: failed to watch root", "root", root, "error", err)
		}
	}
	fw := &fileWatcher{watcher: w, cache: cache}
	go fw.run()
	return fw, nil
}

func (fw *fileWatcher) run() {
	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				fw.cache.invalidate(ev.Name)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("history: watcher error", "error", err)
		}
	}
}

func (fw *fileWatcher) Close() error {
	return fw.watcher.Close()
}
