package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browsertest/pkg/api"
	"github.com/odvcencio/browsertest/pkg/storage"
)

const retentionSweepInterval = time.Hour

func newServeCmd(load configLoader) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			svc, err := newService(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			server, err := newAPIServer(svc)
			if err != nil {
				_ = svc.Close(context.Background())
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, svc, server)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (overrides server.listen)")
	return cmd
}

func newAPIServer(svc *service) (*api.Server, error) {
	cfg := api.ServerConfig{
		Address:           svc.cfg.Server.Listen,
		Orchestrator:      svc.orch,
		EventBus:          svc.bus,
		Logger:            svc.log,
		AllowedOrigins:    svc.cfg.Server.AllowedOrigins,
		ReadHeaderTimeout: svc.cfg.Server.ReadHeaderTimeout,
		StreamHeartbeat:   svc.cfg.Server.StreamHeartbeat,
	}
	if svc.store != nil {
		cfg.Results = svc.store
	}
	return api.NewServer(cfg)
}

// serve runs the HTTP server, the progress sweeper and the retention
// janitor until ctx is done or one of them fails, then shuts everything
// down within the configured shutdown timeout.
func serve(ctx context.Context, svc *service, server *api.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.log.Info("listening", "address", svc.cfg.Server.Listen)
		return server.Start()
	})
	g.Go(func() error {
		return svc.tracker.Run(gctx)
	})
	if svc.store != nil && svc.cfg.Storage.Retention > 0 {
		g.Go(func() error {
			runRetention(gctx, svc, svc.store, svc.cfg.Storage.Retention)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		svc.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), svc.cfg.Server.ShutdownTimeout)
	defer cancel()
	if closeErr := svc.Close(closeCtx); closeErr != nil {
		svc.log.Warn("shutdown incomplete", "error", closeErr)
		if err == nil {
			err = closeErr
		}
	}
	return err
}

// runRetention drops stored results older than retention, with their
// screenshots, once at start and then hourly.
func runRetention(ctx context.Context, svc *service, store *storage.Store, retention time.Duration) {
	sweep := func() {
		n, err := expireResults(ctx, svc, store, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				svc.log.Warn("result retention sweep failed", "error", err)
			}
			return
		}
		if n > 0 {
			svc.log.Info("expired stored results", "count", n, "retention", retention)
		}
	}

	sweep()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func expireResults(ctx context.Context, svc *service, store *storage.Store, cutoff time.Time) (int, error) {
	ids, err := store.DeleteResultsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	svc.orch.DiscardArtifacts(ctx, ids)
	return len(ids), nil
}
