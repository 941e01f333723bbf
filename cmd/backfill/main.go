// The backfill binary replays historical firehose traffic through the
// processor under the configured time window, then exits.
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

	"github.com/dollspace-gay/PublicAppView/internal/backfill"
	"github.com/dollspace-gay/PublicAppView/internal/config"
	"github.com/dollspace-gay/PublicAppView/internal/fetcher"
	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/identity"
	"github.com/dollspace-gay/PublicAppView/internal/processor"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "backfill:", err)
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

	if cfg.BackfillDays == 0 {
		log.Info("backfill disabled, nothing to do")
		return nil
	}

	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(ctx, "backfill", cfg.OTLPEndpoint)
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

	resolver := identity.NewResolver(cfg.PLCDirectoryURL, log)
	proc := processor.New(st, int64(cfg.MaxConcurrentUserCreations), metrics, log)
	f := fetcher.New(st, resolver, proc, fetcher.Config{MaxRetries: cfg.MaxRetryAttempts}, metrics, log)
	proc.SetFetcher(f)

	ctrl := backfill.New(proc, st, backfill.Config{
		Days:        cfg.BackfillDays,
		BatchSize:   cfg.BackfillBatchSize,
		BatchDelay:  time.Duration(cfg.BackfillBatchDelay) * time.Millisecond,
		MaxMemoryMB: uint64(cfg.MaxMemoryMB),
	}, metrics, log)

	// The controller persists its own progress every thousand events, so
	// the cursor manager only feeds resume state to the stream client.
	cursor := firehose.NewCursorManager(backfill.CursorService, st, time.Minute, log)
	seq, err := cursor.Load(ctx)
	if err != nil {
		return fmt.Errorf("load backfill cursor: %w", err)
	}
	log.Info("starting backfill",
		zap.Int("days", cfg.BackfillDays),
		zap.Int64("cursor", seq),
	)

	client := firehose.NewClient(cfg.RelayURL, ctrl, cursor, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { proc.RunSweeper(gctx); return nil })
	g.Go(func() error { f.Run(gctx); return nil })
	g.Go(func() error {
		select {
		case <-ctrl.Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error { return client.Run(gctx) })

	err = g.Wait()
	log.Info("backfill finished", zap.Int64("events", ctrl.Events()))
	if err != nil && runCtx.Err() != nil {
		return nil
	}
	return err
}
