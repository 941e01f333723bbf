// The ingestor is the single-process deployment: it subscribes to the
// relay firehose and writes decoded events straight into Postgres.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dollspace-gay/PublicAppView/internal/config"
	"github.com/dollspace-gay/PublicAppView/internal/fetcher"
	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/identity"
	"github.com/dollspace-gay/PublicAppView/internal/processor"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

// LiveCursorService is the firehose_cursor row the live pipeline
// resumes from.
const LiveCursorService = "live"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ingestor:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(ctx, "ingestor", cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer mp.Shutdown(context.Background())
	}
	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		return err
	}

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.Connect(ctx, store.Config{DSN: cfg.DatabaseURL, PoolSize: int32(cfg.PoolSize)})
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("database connected", zap.Int("pool_size", cfg.PoolSize))

	resolver := identity.NewResolver(cfg.PLCDirectoryURL, log)
	proc := processor.New(st, int64(cfg.MaxConcurrentUserCreations), metrics, log)
	f := fetcher.New(st, resolver, proc, fetcher.Config{MaxRetries: cfg.MaxRetryAttempts}, metrics, log)
	proc.SetFetcher(f)

	cursor := firehose.NewCursorManager(LiveCursorService, st,
		time.Duration(cfg.CursorSaveIntervalSec)*time.Second, log)
	seq, err := cursor.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	log.Info("resuming firehose", zap.Int64("cursor", seq))

	client := firehose.NewClient(cfg.RelayURL, proc, cursor, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { cursor.Run(gctx); return nil })
	g.Go(func() error { proc.RunSweeper(gctx); return nil })
	g.Go(func() error { f.Run(gctx); return nil })
	g.Go(func() error { return client.Run(gctx) })

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		log.Info("shutdown complete")
		return nil
	}
	return err
}
