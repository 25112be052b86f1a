package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lorekeep/loresync/internal/clock"
	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/identity"
	"github.com/lorekeep/loresync/internal/queue"
	"github.com/lorekeep/loresync/internal/services/sync"
	"github.com/lorekeep/loresync/internal/state"
	"github.com/lorekeep/loresync/internal/transport"
)

// Client assembles the sync stack: persistent state, identity map,
// mutation queue, remote transport, and the sync service. Construction
// is explicit; callers own the lifecycle and must Close when done.
type Client struct {
	Sync *sync.Service

	config  *config.Config
	logger  *events.Logger
	store   state.Store
	watcher *transport.Watcher
}

// New creates a client from configuration.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	clk := clock.New()

	ids, err := identity.NewAllocator(store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	q, err := queue.New(store, clk, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	remote := transport.NewHTTPRemote(&cfg.API, logger)
	svc := sync.NewService(q, ids, remote, &cfg.Queue, clk, logger)

	c := &Client{
		Sync:   svc,
		config: cfg,
		logger: logger,
		store:  store,
	}

	if cfg.API.PresenceURL != "" {
		c.watcher = transport.NewWatcher(cfg.API.PresenceURL, cfg.API.Token, cfg.Queue.PingInterval, logger)
		c.watcher.OnOnline(func() { svc.SetOnline(true) })
		c.watcher.OnOffline(func() { svc.SetOnline(false) })
	} else {
		// No presence endpoint configured; assume reachable and let
		// dispatch outcomes speak for themselves.
		svc.SetOnline(true)
	}

	return c, nil
}

// Watch runs the connectivity watcher until ctx is cancelled. Without
// a presence URL it blocks on ctx alone.
func (c *Client) Watch(ctx context.Context) error {
	if c.watcher == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.watcher.Run(ctx)
}

// Close releases the client's resources.
func (c *Client) Close() error {
	_ = c.Sync.Close()
	return c.store.Close()
}

// openStore selects the persistence backend from configuration.
func openStore(cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return state.NewSQLiteStore(filepath.Join(cfg.Storage.StateDir, "loresync.db"), logger)
	case config.BackendJSON:
		return state.NewJSONStore(cfg.Storage.StateDir, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
