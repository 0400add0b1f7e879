package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sablefox/conduit/internal/config"
	"github.com/sablefox/conduit/internal/connreg"
	"github.com/sablefox/conduit/internal/eventlog"
	"github.com/sablefox/conduit/internal/gateway"
	"github.com/sablefox/conduit/internal/history"
	"github.com/sablefox/conduit/internal/hub"
	"github.com/sablefox/conduit/internal/interaction"
	"github.com/sablefox/conduit/internal/run"
	"github.com/sablefox/conduit/internal/sessionindex"
	sessionindexfile "github.com/sablefox/conduit/internal/sessionindex/file"
	sessionindexpg "github.com/sablefox/conduit/internal/sessionindex/pg"
)

// runServe wires every core component into one process and blocks until
// SIGINT/SIGTERM. No channel, sandbox, or scheduler plumbing here: those
// are external collaborators, not core scope.
func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	events, closeEvents, err := newEventStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}
	defer closeEvents()

	index, closeIndex, err := newSessionIndex(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init session index: %w", err)
	}
	defer closeIndex()

	histRegistry, closeHistory, err := history.NewDefaultRegistry(
		events, cfg.History.ClaudeSessionsRoot, cfg.History.PiSessionsRoot, cfg.History.WatchForChanges,
	)
	if err != nil {
		return fmt.Errorf("init history registry: %w", err)
	}
	defer closeHistory()

	conns := connreg.New()
	interactions := interaction.NewRegistry()
	cliCalls := interaction.NewCliRendezvous()
	runCtrl := run.New(events, conns)

	h := hub.New(index, events, histRegistry, conns, interactions, cliCalls, runCtrl)

	resolver := newUnconfiguredResolver()
	srv := gateway.NewServer(cfg.Gateway, h, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("conduitd starting",
		"version", Version,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"storage", cfg.Storage.Driver,
	)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// newEventStore selects the Event Store backend per storage.driver. The
// memory driver is the eventlog package's own in-memory implementation;
// file has no dedicated on-disk event log, so it is out of scope for this
// storage driver (events live only for the process lifetime outside of
// postgres, matching the session index's own "memory == ephemeral" story).
func newEventStore(cfg config.StorageConfig) (eventlog.Store, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return eventlog.NewPGStore(db), db.Close, nil
	case "memory", "file", "":
		store := eventlog.NewMemoryStore()
		return store, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newSessionIndex selects the Session Index backend per storage.driver.
// There is no dedicated in-memory sessionindex.Store, so "memory" reuses
// the file-backed one rooted at a fresh temp directory: same durability
// contract the rest of the process has in memory-only mode, just realized
// through the file.Store that already exists rather than a duplicate type.
func newSessionIndex(cfg config.StorageConfig) (sessionindex.Store, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return sessionindexpg.NewStore(db), db.Close, nil
	case "file":
		store, err := sessionindexfile.NewStore(cfg.FileDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case "memory", "":
		dir, err := os.MkdirTemp("", "conduit-session-index-")
		if err != nil {
			return nil, nil, err
		}
		store, err := sessionindexfile.NewStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return os.RemoveAll(dir) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
