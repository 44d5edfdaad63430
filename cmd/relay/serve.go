package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/hybridchat/internal/config"
	"github.com/Tyrowin/hybridchat/internal/dispatch"
	"github.com/Tyrowin/hybridchat/internal/files"
	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/metrics"
	"github.com/Tyrowin/hybridchat/internal/registry"
	"github.com/Tyrowin/hybridchat/internal/server"
	"github.com/Tyrowin/hybridchat/internal/store"
)

func newServeCommand() *cobra.Command {
	var port, driver string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			if driver != "" {
				cfg.StoreDriver = driver
			}
			if cfg, err = cfg.Sanitize(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen address, overrides SERVER_PORT")
	cmd.Flags().StringVar(&driver, "store", "", "history store driver (sqlite or badger), overrides STORE_DRIVER")

	return cmd
}

// serve wires the relay together and blocks until ctx is cancelled or the
// listener fails.
func serve(ctx context.Context, cfg config.Config) (err error) {
	log := logs.GetLoggerFromString(cfg.LogLevel)
	log.Info("Starting HybridChat relay", "port", cfg.Port, "store", cfg.StoreDriver, "origins", cfg.AllowedOrigins)

	db, err := store.Open(cfg.StoreDriver, cfg.StorePath(), log)
	if err != nil {
		return fmt.Errorf("store opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing store...", "driver", cfg.StoreDriver)
		err = multierr.Append(err, db.Close())
	}()

	m := metrics.New()
	reg := registry.New()
	gs := groups.New(db, log)
	if err := gs.Load(ctx); err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	engine := dispatch.New(reg, gs, db, log,
		dispatch.WithMetrics(m),
		dispatch.WithPersistTimeout(cfg.PersistTimeout),
	)
	fs, err := files.New(cfg.UploadDir, db, log,
		files.WithMaxSize(cfg.MaxUploadSize),
		files.WithCacheSize(cfg.FileCacheSize),
		files.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("upload directory: %w", err)
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    db,
		Groups:   gs,
		Registry: reg,
		Engine:   engine,
		Files:    fs,
		Metrics:  m,
		Logger:   log,
	})
	srv.Start()
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		return multierr.Combine(
			server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log),
			srv.Shutdown(cfg.ShutdownTimeout),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Relay stopped cleanly")
	return nil
}
