// Package gateway is the process bootstrap: it constructs the bus, tracker,
// registry, daemons, dispatcher, and transport in dependency order and owns
// their lifecycle. Nothing in the core reaches for a global; every component
// receives its collaborators here.
package gateway

import (
	"context"
	"fmt"
	"time"

	"continuum/internal/bus"
	"continuum/internal/config"
	"continuum/internal/correlation"
	"continuum/internal/dispatch"
	"continuum/internal/logging"
	"continuum/internal/metrics"
	"continuum/internal/registry"
	"continuum/internal/rooms"
	"continuum/internal/store"
	"continuum/internal/transport"

	"golang.org/x/sync/errgroup"
)

// Gateway wires one process's correlation core together.
type Gateway struct {
	cfg *config.Config
	log *logging.Logger

	Bus        *bus.Bus
	Tracker    *correlation.Tracker
	Registry   *registry.Registry
	Metrics    *metrics.Metrics
	Dispatcher *dispatch.Dispatcher
	Rooms      *rooms.Service
	Transport  *transport.Server

	watcher   *registry.ManifestWatcher
	roomStore *store.RoomStore
}

// New constructs the gateway from config. Construction registers every
// command definition and loads persisted daemon state; nothing starts
// serving until Run.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		cfg: cfg,
		log: logging.Get(logging.CategoryBoot),
	}

	g.Metrics = metrics.New()
	g.Bus = bus.New()
	g.Tracker = correlation.New(g.Metrics)
	g.Registry = registry.New()
	g.Dispatcher = dispatch.New(g.Bus, g.Tracker, g.Registry)

	if cfg.Rooms.Persist {
		roomStore, err := store.NewRoomStore(cfg.Rooms.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("room store: %w", err)
		}
		g.roomStore = roomStore
	}

	var roomsStore rooms.Store
	if g.roomStore != nil {
		roomsStore = g.roomStore
	}
	roomsService, err := rooms.New(g.Bus, roomsStore)
	if err != nil {
		return nil, fmt.Errorf("rooms daemon: %w", err)
	}
	g.Rooms = roomsService

	// Discovery: built-in definitions first, manifests after, so manifest
	// commands land behind the built-ins in registration order.
	if err := g.Rooms.RegisterCommands(g.Registry); err != nil {
		return nil, fmt.Errorf("register room commands: %w", err)
	}
	if err := g.Registry.LoadManifests(cfg.Registry.ManifestDir); err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}

	if cfg.Registry.Watch {
		watcher, err := registry.NewManifestWatcher(cfg.Registry.ManifestDir)
		if err != nil {
			return nil, fmt.Errorf("manifest watcher: %w", err)
		}
		g.watcher = watcher
	}

	transportServer, err := transport.New(transport.Options{
		Addr:            cfg.Server.ListenAddr,
		PingInterval:    config.Duration(cfg.Transport.PingInterval, 30*time.Second),
		WriteTimeout:    config.Duration(cfg.Transport.WriteTimeout, 10*time.Second),
		MaxMessageSize:  cfg.Transport.MaxMessageBytes,
		RequestTimeout:  config.Duration(cfg.Dispatch.HTTPTimeout, 10*time.Second),
		ShutdownTimeout: config.Duration(cfg.Transport.ShutdownTimeout, 5*time.Second),
	}, g.Dispatcher, g.Registry, g.watcher, g.Metrics)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	g.Transport = transportServer

	return g, nil
}

// Run starts every component and blocks until the context is cancelled or
// the transport fails. Shutdown is ordered: transport first so no new work
// arrives, then daemons, then the remaining futures are rejected.
func (g *Gateway) Run(ctx context.Context) error {
	g.Dispatcher.AttachDaemon(g.Rooms.ResponseEvent())

	if err := g.Rooms.Start(ctx); err != nil {
		return fmt.Errorf("start rooms daemon: %w", err)
	}
	if g.watcher != nil {
		if err := g.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start manifest watcher: %w", err)
		}
	}

	g.log.Info("gateway up: %d commands, listening on %s", g.Registry.Len(), g.cfg.Server.ListenAddr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.Transport.ListenAndServe()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return g.Transport.Shutdown(context.Background())
	})

	err := group.Wait()
	g.shutdown()
	return err
}

// shutdown stops components in reverse dependency order.
func (g *Gateway) shutdown() {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	g.Rooms.Stop()
	g.Dispatcher.Detach()

	// Anything still pending has no source of settlement left.
	g.Tracker.RejectAll(func(correlationID string) error {
		return fmt.Errorf("gateway shutting down with request %s pending", correlationID)
	})

	if g.roomStore != nil {
		if err := g.roomStore.Close(); err != nil {
			g.log.Error("close room store: %v", err)
		}
	}
	g.log.Info("gateway stopped")
}
