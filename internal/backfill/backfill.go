// Package backfill replays historical firehose traffic through the
// processor under a time window, pacing and memory guardrails. It sits
// between the stream client and the processor as a filtering handler.
package backfill

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/atutil"
	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

const (
	// CursorService is the firehose_cursor row backfill progress lives
	// under, separate from the live pipeline's cursor.
	CursorService = "backfill"

	saveEvery        = 1000
	memoryCheckEvery = 100
	memoryPauseShort = 5 * time.Second
	memoryPauseLong  = 10 * time.Second
)

// Config tunes a backfill run.
type Config struct {
	// Days bounds the window: 0 disables backfill, -1 replays
	// everything, N keeps records created in the last N days.
	Days int
	// BatchSize is how many events run between pacing sleeps.
	BatchSize int
	// BatchDelay is the sleep between batches.
	BatchDelay time.Duration
	// MaxMemoryMB pauses consumption while resident memory exceeds it.
	MaxMemoryMB uint64
	// MaxEvents stops the run after this many events. Zero means the
	// default cap of one million.
	MaxEvents int64
}

// Controller wraps the processor with the backfill window, pacing, and
// progress persistence. It implements firehose.Handler.
type Controller struct {
	inner   firehose.Handler
	q       store.Querier
	cfg     Config
	log     *zap.Logger
	metrics *telemetry.PipelineMetrics

	cutoff time.Time
	events atomic.Int64
	done   chan struct{}
	closed atomic.Bool

	sinceBatch int
	sinceCheck int

	// rssMB is swapped out in tests.
	rssMB func() (uint64, error)
}

// New builds a Controller around inner. metrics may be nil.
func New(inner firehose.Handler, q store.Querier, cfg Config, metrics *telemetry.PipelineMetrics, log *zap.Logger) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 2 * time.Second
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = 512
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1_000_000
	}
	if metrics == nil {
		metrics, _ = telemetry.NewPipelineMetrics()
	}

	c := &Controller{
		inner:   inner,
		q:       q,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		done:    make(chan struct{}),
		rssMB:   processRSSMB,
	}
	if cfg.Days > 0 {
		c.cutoff = time.Now().UTC().AddDate(0, 0, -cfg.Days)
	}
	return c
}

// Enabled reports whether the configured window admits any events.
func (c *Controller) Enabled() bool {
	return c.cfg.Days != 0
}

// Done is closed once the event cap is reached. The caller cancels the
// stream when it fires.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Resume returns the sequence to restart the stream from.
func (c *Controller) Resume(ctx context.Context) (int64, error) {
	return c.q.LoadCursor(ctx, CursorService)
}

// HandleCommit filters the commit against the window, forwards what
// survives, and applies pacing after each event.
func (c *Controller) HandleCommit(ctx context.Context, evt *firehose.CommitEvent) error {
	if c.closed.Load() {
		return nil
	}

	kept := c.filterOps(evt.Ops)
	if len(kept) == 0 && len(evt.Ops) > 0 {
		c.metrics.EventsSkipped.Add(ctx, 1)
		return c.afterEvent(ctx, evt.Seq)
	}

	filtered := *evt
	filtered.Ops = kept
	if err := c.inner.HandleCommit(ctx, &filtered); err != nil {
		return err
	}
	return c.afterEvent(ctx, evt.Seq)
}

func (c *Controller) HandleIdentity(ctx context.Context, evt *firehose.IdentityEvent) error {
	if c.closed.Load() {
		return nil
	}
	if err := c.inner.HandleIdentity(ctx, evt); err != nil {
		return err
	}
	return c.afterEvent(ctx, evt.Seq)
}

func (c *Controller) HandleAccount(ctx context.Context, evt *firehose.AccountEvent) error {
	if c.closed.Load() {
		return nil
	}
	if err := c.inner.HandleAccount(ctx, evt); err != nil {
		return err
	}
	return c.afterEvent(ctx, evt.Seq)
}

// filterOps drops create/update ops whose records predate the window.
// Deletes carry no record and always pass.
func (c *Controller) filterOps(ops []firehose.Op) []firehose.Op {
	if c.cutoff.IsZero() {
		return ops
	}
	kept := ops[:0:0]
	for _, op := range ops {
		if op.Action != firehose.ActionDelete && op.Record != nil {
			created := atutil.SafeDate(stringField(op.Record, "createdAt"))
			if created.Before(c.cutoff) {
				continue
			}
		}
		kept = append(kept, op)
	}
	return kept
}

// afterEvent runs the bookkeeping shared by all event kinds: progress
// persistence, the event cap, pacing, and the memory guard.
func (c *Controller) afterEvent(ctx context.Context, seq int64) error {
	n := c.events.Add(1)

	if n%saveEvery == 0 {
		if err := c.q.SaveCursor(ctx, CursorService, seq, time.Now().UTC()); err != nil {
			c.log.Warn("failed to save backfill progress", zap.Error(err))
		} else {
			c.log.Info("backfill progress",
				zap.Int64("events", n),
				zap.Int64("seq", seq),
			)
		}
	}

	if n >= c.cfg.MaxEvents {
		if c.closed.CompareAndSwap(false, true) {
			c.log.Info("backfill event cap reached", zap.Int64("events", n))
			close(c.done)
		}
		return nil
	}

	c.sinceBatch++
	if c.sinceBatch >= c.cfg.BatchSize {
		c.sinceBatch = 0
		if err := sleep(ctx, c.cfg.BatchDelay); err != nil {
			return err
		}
	}

	c.sinceCheck++
	if c.sinceCheck >= memoryCheckEvery {
		c.sinceCheck = 0
		c.checkMemory(ctx)
	}
	return nil
}

// checkMemory pauses consumption while resident memory is above the
// configured limit, giving the store time to drain.
func (c *Controller) checkMemory(ctx context.Context) {
	rss, err := c.rssMB()
	if err != nil || rss <= c.cfg.MaxMemoryMB {
		return
	}
	c.log.Warn("memory limit exceeded, pausing",
		zap.Uint64("rss_mb", rss),
		zap.Uint64("limit_mb", c.cfg.MaxMemoryMB),
	)
	if sleep(ctx, memoryPauseShort) != nil {
		return
	}
	rss, err = c.rssMB()
	if err != nil || rss <= c.cfg.MaxMemoryMB {
		return
	}
	_ = sleep(ctx, memoryPauseLong)
}

// Events reports how many events have been consumed.
func (c *Controller) Events() int64 {
	return c.events.Load()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func processRSSMB() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS / (1 << 20), nil
}
