// Package processor routes decoded firehose events to the store. It
// owns derived-count maintenance, notification creation, the pending
// queues that defer ops whose dependencies have not arrived yet, and
// subject-creation throttling.
package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

const (
	placeholderHandle = "handle.invalid"
	optOutCacheTTL    = 5 * time.Minute
	optOutCacheSize   = 100_000
)

// DB is the store surface the processor needs: the typed operations
// plus per-op transactions.
type DB interface {
	store.Querier
	WithTx(ctx context.Context, fn func(q store.Querier) error) error
}

// IncompleteMarker is the fetcher hook used to repair rows created
// with placeholder data.
type IncompleteMarker interface {
	MarkIncomplete(kind, did, uri, hint string)
}

// Processor implements firehose.Handler against the relational store.
type Processor struct {
	db      DB
	log     *zap.Logger
	metrics *telemetry.PipelineMetrics
	fetcher IncompleteMarker

	userSF  singleflight.Group
	userSem *semaphore.Weighted

	optOutCache *expirable.LRU[string, bool]

	pendingOps          *pendingQueue // keyed by post URI
	pendingUserOps      *pendingQueue // keyed by subject DID
	pendingListItems    *pendingQueue // keyed by list URI
	pendingUserCreation *pendingQueue // raw ops replayed after user creation

	processed atomic.Int64
}

// New builds a Processor. maxUserCreations caps concurrent subject
// creation; metrics may be nil, in which case no-op instruments are
// registered on the global provider.
func New(db DB, maxUserCreations int64, metrics *telemetry.PipelineMetrics, log *zap.Logger) *Processor {
	if metrics == nil {
		metrics, _ = telemetry.NewPipelineMetrics()
	}
	if maxUserCreations <= 0 {
		maxUserCreations = 10
	}
	return &Processor{
		db:                  db,
		log:                 log,
		metrics:             metrics,
		userSem:             semaphore.NewWeighted(maxUserCreations),
		optOutCache:         expirable.NewLRU[string, bool](optOutCacheSize, nil, optOutCacheTTL),
		pendingOps:          newPendingQueue("pending_ops"),
		pendingUserOps:      newPendingQueue("pending_user_ops"),
		pendingListItems:    newPendingQueue("pending_list_items"),
		pendingUserCreation: newPendingQueue("pending_user_creation_ops"),
	}
}

// SetFetcher wires in the remote record fetcher. The processor and the
// fetcher reference each other; the fetcher is attached after both are
// constructed.
func (p *Processor) SetFetcher(f IncompleteMarker) {
	p.fetcher = f
}

// HandleCommit applies every op of a commit. Each op runs in its own
// transaction; a failing op is logged or deferred and never poisons
// its siblings.
func (p *Processor) HandleCommit(ctx context.Context, evt *firehose.CommitEvent) error {
	p.metrics.EventsReceived.Add(ctx, 1)

	if p.dataCollectionForbidden(ctx, evt.Repo) {
		return nil
	}

	// Label ops batch through negation resolution; everything else
	// routes individually.
	var labelOps []firehose.Op
	for _, op := range evt.Ops {
		if isLabelOp(op) {
			labelOps = append(labelOps, op)
			continue
		}
		p.applyOp(ctx, evt.Repo, op)
	}
	if len(labelOps) > 0 {
		p.applyLabelOps(ctx, evt.Repo, labelOps)
	}
	p.metrics.EventsProcessed.Add(ctx, 1)
	p.processed.Add(1)
	return nil
}

// HandleIdentity upserts the subject with its new handle.
func (p *Processor) HandleIdentity(ctx context.Context, evt *firehose.IdentityEvent) error {
	if err := p.ensureUser(ctx, evt.DID); err != nil {
		return err
	}
	if evt.Handle == "" {
		return nil
	}
	if err := p.db.UpdateUserHandle(ctx, evt.DID, evt.Handle); err != nil {
		return err
	}
	p.log.Debug("identity updated",
		zap.String("did", evt.DID),
		zap.String("handle", evt.Handle),
	)
	return nil
}

// HandleAccount records the account status. No data is deleted.
func (p *Processor) HandleAccount(ctx context.Context, evt *firehose.AccountEvent) error {
	status := evt.Status
	if status == "" {
		if evt.Active {
			status = "active"
		} else {
			status = "inactive"
		}
	}
	p.log.Info("account status change",
		zap.String("did", evt.DID),
		zap.Bool("active", evt.Active),
		zap.String("status", status),
	)
	err := p.db.SetUserStatus(ctx, evt.DID, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// ProcessRecord ingests a record fetched out-of-band by the remote
// record fetcher, as if it had just arrived on the stream.
func (p *Processor) ProcessRecord(ctx context.Context, uri, cid, repoDID string, value map[string]any) error {
	parsed, err := parseURI(uri)
	if err != nil {
		return err
	}
	op := firehose.Op{
		Action:     firehose.ActionCreate,
		Collection: parsed.Collection,
		Rkey:       parsed.Rkey,
		URI:        uri,
		CID:        cid,
		Record:     value,
	}
	p.applyOp(ctx, repoDID, op)
	return nil
}

// FlushPendingUserOps replays ops that were blocked on the subject's
// row, in arrival order.
func (p *Processor) FlushPendingUserOps(ctx context.Context, did string) {
	flushed := 0
	for _, q := range []*pendingQueue{p.pendingUserOps, p.pendingUserCreation} {
		for _, pending := range q.take(did) {
			p.applyOp(ctx, pending.repo, pending.op)
			flushed++
		}
	}
	if flushed > 0 {
		p.metrics.PendingFlushed.Add(ctx, int64(flushed))
		p.log.Debug("flushed pending user ops",
			zap.String("did", did),
			zap.Int("count", flushed),
		)
	}
}

// ensureUser creates the subject row if missing. Creation is
// deduplicated per DID so concurrent ops for the same subject share
// one outcome, and globally throttled by the semaphore. New rows get
// the placeholder handle and are marked incomplete for later repair.
func (p *Processor) ensureUser(ctx context.Context, did string) error {
	res, err, _ := p.userSF.Do(did, func() (any, error) {
		if err := p.userSem.Acquire(ctx, 1); err != nil {
			return false, err
		}
		defer p.userSem.Release(1)

		created, err := p.db.EnsureUser(ctx, did, placeholderHandle)
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return false, err
		}
		if created {
			if err := p.db.SetUserIncomplete(ctx, did, true); err != nil {
				p.log.Warn("failed to mark user incomplete", zap.String("did", did), zap.Error(err))
			}
			if p.fetcher != nil {
				p.fetcher.MarkIncomplete("user", did, "", "")
			}
		}
		return created, nil
	})
	if err != nil {
		return err
	}
	// Flushing happens outside the singleflight so a replayed op that
	// touches the same subject cannot deadlock on its own creation.
	if created, _ := res.(bool); created {
		p.FlushPendingUserOps(ctx, did)
	}
	return nil
}

// dataCollectionForbidden checks the per-subject opt-out flag through
// a 5 minute cache.
func (p *Processor) dataCollectionForbidden(ctx context.Context, did string) bool {
	if forbidden, ok := p.optOutCache.Get(did); ok {
		return forbidden
	}
	forbidden, err := p.db.DataCollectionForbidden(ctx, did)
	if err != nil {
		p.log.Warn("opt-out lookup failed", zap.String("did", did), zap.Error(err))
		return false
	}
	p.optOutCache.Add(did, forbidden)
	return forbidden
}

// PendingCounts reports current queue sizes for logging and tests.
func (p *Processor) PendingCounts() (ops, userOps, listItems, userCreation int) {
	return p.pendingOps.size(), p.pendingUserOps.size(),
		p.pendingListItems.size(), p.pendingUserCreation.size()
}
