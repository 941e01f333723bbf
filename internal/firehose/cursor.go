package firehose

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/store"
)

// CursorManager tracks the highest sequence number handed downstream
// and persists it on a fixed cadence. The in-memory value is advanced
// before each event is dispatched; the persisted value therefore never
// exceeds a sequence the processor has not seen.
type CursorManager struct {
	service  string
	q        store.Querier
	interval time.Duration
	log      *zap.Logger

	current atomic.Int64
}

// NewCursorManager builds a manager for the named cursor service row.
func NewCursorManager(service string, q store.Querier, interval time.Duration, log *zap.Logger) *CursorManager {
	return &CursorManager{service: service, q: q, interval: interval, log: log}
}

// Load reads the persisted cursor and seeds the in-memory value.
func (m *CursorManager) Load(ctx context.Context) (int64, error) {
	cur, err := m.q.LoadCursor(ctx, m.service)
	if err != nil {
		return 0, err
	}
	m.current.Store(cur)
	return cur, nil
}

// Set advances the in-memory cursor. Regressions are ignored so
// redelivered frames cannot move it backwards.
func (m *CursorManager) Set(seq int64) {
	for {
		cur := m.current.Load()
		if seq <= cur {
			return
		}
		if m.current.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Current returns the in-memory cursor.
func (m *CursorManager) Current() int64 {
	return m.current.Load()
}

// Run persists the cursor every interval until ctx is canceled, then
// persists one final time so a clean shutdown loses nothing.
func (m *CursorManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.persist(ctx)
		case <-ctx.Done():
			// The run context is gone; give the final write its own
			// deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.persist(flushCtx)
			cancel()
			return
		}
	}
}

func (m *CursorManager) persist(ctx context.Context) {
	cur := m.current.Load()
	if cur == 0 {
		return
	}
	if err := m.q.SaveCursor(ctx, m.service, cur, time.Now().UTC()); err != nil {
		m.log.Error("failed to persist cursor",
			zap.String("service", m.service),
			zap.Int64("cursor", cur),
			zap.Error(err),
		)
	}
}
