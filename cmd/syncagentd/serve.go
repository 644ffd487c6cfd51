package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/syncagent/syncagent/internal/api"
	"github.com/syncagent/syncagent/internal/server/blob"
	"github.com/syncagent/syncagent/internal/server/maintenance"
	"github.com/syncagent/syncagent/internal/server/meta"
)

const day = 24 * time.Hour

// stores groups the two persistent stores the subcommands share.
type stores struct {
	meta  *meta.Store
	blobs *blob.Store
}

func openStores(ctx context.Context, logger *slog.Logger) (*stores, error) {
	metaStore, err := meta.Open(ctx, resolvedCfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	blobStore, err := blob.Open(resolvedCfg.BlobRoot, logger)
	if err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	return &stores{meta: metaStore, blobs: blobStore}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		Long: `Serve the REST API and WebSocket hub, and run the nightly maintenance
jobs (trash purge, change log prune) until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	logger := buildLogger()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withStores(ctx, logger, func(st *stores) error {
		hub := api.NewHub(logger)
		server := api.New(resolvedCfg.ListenAddr, st.meta, st.blobs, hub, logger)

		jobs := &maintenance.Jobs{
			Meta:               st.meta,
			Blobs:              st.blobs,
			Logger:             logger,
			TrashRetention:     time.Duration(resolvedCfg.Retention.TrashDays) * day,
			ChangeLogRetention: time.Duration(resolvedCfg.Retention.ChangeLogDays) * day,
			PurgeHour:          resolvedCfg.Retention.PurgeHour,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Start(gctx) })
		g.Go(func() error { return jobs.Run(gctx) })

		return g.Wait()
	})
}
