package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/api"
	"github.com/splendor-protocol/sync-helper/internal/config"
	"github.com/splendor-protocol/sync-helper/internal/registry"
)

func registryCommands() *cli.Command {
	return &cli.Command{
		Name:  "registry",
		Usage: "Run or maintain the node registry",
		Subcommands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the registry API",
				Action: serveRegistry,
			},
			{
				Name:  "seed",
				Usage: "Seed the persisted registry from a roster and past completion reports",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "roster", Usage: "Roster snapshot, defaults to registry.rosterPath"},
					&cli.StringFlag{Name: "completed", Usage: "JSON array of completed update events to import"},
				},
				Action: seedRegistry,
			},
		},
	}
}

func serveRegistry(c *cli.Context) error {
	cfg, log := fromContext(c)
	if err := cfg.ValidateRegistry(); err != nil {
		return err
	}
	app := fx.New(
		registryModule(cfg, log),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	if err := app.Start(c.Context); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	sig := <-app.Done()
	log.Info("Shutting down registry", zap.Stringer("signal", sig))

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}

// registryModule wires the store, its background flusher and the HTTP API.
// Hooks stop in reverse order, so the server drains before the final flush.
func registryModule(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.Provide(
			newStore,
			newListener,
			func(store *registry.Store, cfg *config.Config, log *zap.Logger) *api.Server {
				return api.NewServer(store, cfg.Registry.AccessToken, log)
			},
			newHTTPServer,
		),
		fx.Invoke(func(*http.Server) {}),
	)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *registry.Store {
	store := registry.NewStore(registry.Options{
		DataDir:       cfg.Registry.DataDir,
		MaxEndpoints:  cfg.Registry.MaxEndpoints,
		MaxHistory:    cfg.Registry.MaxHistory,
		FlushInterval: cfg.Registry.FlushInterval,
	}, log)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Load(); err != nil {
				return err
			}
			roster, err := registry.LoadRoster(cfg.Registry.RosterPath)
			if err != nil {
				log.Warn("Roster not loaded", zap.String("path", cfg.Registry.RosterPath), zap.Error(err))
			} else if len(roster) > 0 {
				store.SeedFromRoster(roster)
			}
			go func() {
				defer close(done)
				store.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return store
}

func newListener(cfg *config.Config) (net.Listener, error) {
	return net.Listen("tcp", cfg.Registry.ListenAddr())
}

func newHTTPServer(lc fx.Lifecycle, ln net.Listener, srv *api.Server, cfg *config.Config, log *zap.Logger) *http.Server {
	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Registry.ReadTimeout,
		WriteTimeout: cfg.Registry.WriteTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting registry server", zap.String("address", ln.Addr().String()))
			go func() {
				if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("registry server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
	return httpServer
}

func seedRegistry(c *cli.Context) error {
	cfg, log := fromContext(c)
	store := registry.NewStore(registry.Options{
		DataDir:      cfg.Registry.DataDir,
		MaxEndpoints: cfg.Registry.MaxEndpoints,
		MaxHistory:   cfg.Registry.MaxHistory,
	}, log)
	if err := store.Load(); err != nil {
		return err
	}

	rosterPath := c.String("roster")
	if rosterPath == "" {
		rosterPath = cfg.Registry.RosterPath
	}
	roster, err := registry.LoadRoster(rosterPath)
	if err != nil {
		return err
	}
	created := store.SeedFromRoster(roster)

	var imported int
	if path := c.String("completed"); path != "" {
		events, err := loadCompletedEvents(path)
		if err != nil {
			return err
		}
		imported = store.ImportCompleted(events)
	}

	if err := store.Flush(); err != nil {
		return fmt.Errorf("failed to persist seeded registry: %w", err)
	}
	log.Info("Registry seeded",
		zap.Int("roster_entries", len(roster)),
		zap.Int("created", created),
		zap.Int("imported_events", imported))
	return nil
}

func loadCompletedEvents(path string) ([]registry.UpdateEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []registry.UpdateEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return events, nil
}
