// The stream worker is the back half of the split deployment: it pulls
// decoded firehose events off JetStream and runs them through the
// processor. Workers scale horizontally behind one durable consumer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dollspace-gay/PublicAppView/internal/config"
	"github.com/dollspace-gay/PublicAppView/internal/fetcher"
	"github.com/dollspace-gay/PublicAppView/internal/identity"
	"github.com/dollspace-gay/PublicAppView/internal/natsclient"
	"github.com/dollspace-gay/PublicAppView/internal/processor"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stream-worker:", err)
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
		mp, err := telemetry.InitMeterProvider(ctx, "stream-worker", cfg.OTLPEndpoint)
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

	nc, err := natsclient.NewClient(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := nc.ProvisionStreams(); err != nil {
		return err
	}

	resolver := identity.NewResolver(cfg.PLCDirectoryURL, log)
	proc := processor.New(st, int64(cfg.MaxConcurrentUserCreations), metrics, log)
	f := fetcher.New(st, resolver, proc, fetcher.Config{MaxRetries: cfg.MaxRetryAttempts}, metrics, log)
	proc.SetFetcher(f)

	consumer := natsclient.NewConsumer(nc, proc, log)
	log.Info("stream worker starting", zap.String("durable", natsclient.DurableStreamWorker))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { proc.RunSweeper(gctx); return nil })
	g.Go(func() error { f.Run(gctx); return nil })
	g.Go(func() error { return consumer.Run(gctx) })

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		log.Info("shutdown complete")
		return nil
	}
	return err
}
