// The firehose reader is the front half of the split deployment: it
// subscribes to the relay, decodes frames, and publishes them to the
// durable JetStream stream for the workers to consume.
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
	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/natsclient"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

// ReaderCursorService keeps the reader's resume point separate from
// the single-process pipeline's.
const ReaderCursorService = "firehose_reader"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "firehose-reader:", err)
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

	publisher := natsclient.NewPublisher(nc.JS, log)

	cursor := firehose.NewCursorManager(ReaderCursorService, st,
		time.Duration(cfg.CursorSaveIntervalSec)*time.Second, log)
	seq, err := cursor.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	log.Info("resuming firehose", zap.Int64("cursor", seq))

	client := firehose.NewClient(cfg.RelayURL, publisher, cursor, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { cursor.Run(gctx); return nil })
	g.Go(func() error { return client.Run(gctx) })

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		log.Info("shutdown complete")
		return nil
	}
	return err
}
