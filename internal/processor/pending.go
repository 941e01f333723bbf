package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/firehose"
)

const (
	sweepInterval = time.Minute
	pendingTTL    = 24 * time.Hour
)

// pendingOp is one deferred commit op waiting on a missing entity.
type pendingOp struct {
	repo       string
	op         firehose.Op
	enqueuedAt time.Time
}

// pendingQueue defers ops keyed by the missing entity they wait on.
// Duplicate dependents (same op URI) collapse into the existing entry.
type pendingQueue struct {
	mu   sync.Mutex
	name string
	ops  map[string][]pendingOp
}

func newPendingQueue(name string) *pendingQueue {
	return &pendingQueue{name: name, ops: make(map[string][]pendingOp)}
}

// enqueue adds op under key. Returns false when an op with the same
// URI is already queued for that key.
func (q *pendingQueue) enqueue(key, repo string, op firehose.Op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.ops[key] {
		if existing.op.URI == op.URI {
			return false
		}
	}
	q.ops[key] = append(q.ops[key], pendingOp{repo: repo, op: op, enqueuedAt: time.Now()})
	return true
}

// take removes and returns all ops queued under key, in arrival order.
func (q *pendingQueue) take(key string) []pendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.ops[key]
	delete(q.ops, key)
	return ops
}

// sweep evicts entries older than ttl and returns how many were dropped.
func (q *pendingQueue) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for key, ops := range q.ops {
		kept := ops[:0]
		for _, op := range ops {
			if op.enqueuedAt.Before(cutoff) {
				expired++
			} else {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			delete(q.ops, key)
		} else {
			q.ops[key] = kept
		}
	}
	return expired
}

func (q *pendingQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ops := range q.ops {
		n += len(ops)
	}
	return n
}

// RunSweeper evicts expired pending entries every minute until ctx is
// canceled.
func (p *Processor) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Processor) sweepOnce() {
	total := 0
	for _, q := range []*pendingQueue{p.pendingOps, p.pendingUserOps, p.pendingListItems, p.pendingUserCreation} {
		expired := q.sweep(pendingTTL)
		if expired > 0 {
			p.log.Info("expired pending ops",
				zap.String("queue", q.name),
				zap.Int("expired", expired),
			)
		}
		total += expired
	}
	if total > 0 {
		p.metrics.PendingExpired.Add(context.Background(), int64(total))
	}
}
