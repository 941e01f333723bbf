package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/store"
)

type recordingHandler struct {
	mu      sync.Mutex
	commits []*firehose.CommitEvent
}

func (h *recordingHandler) HandleCommit(_ context.Context, evt *firehose.CommitEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, evt)
	return nil
}

func (h *recordingHandler) HandleIdentity(context.Context, *firehose.IdentityEvent) error { return nil }
func (h *recordingHandler) HandleAccount(context.Context, *firehose.AccountEvent) error  { return nil }

type fakeCursorStore struct {
	store.Querier

	mu      sync.Mutex
	cursors map[string]int64
	saves   int
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cursors: map[string]int64{}}
}

func (f *fakeCursorStore) SaveCursor(_ context.Context, service string, cursor int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor > f.cursors[service] {
		f.cursors[service] = cursor
	}
	f.saves++
	return nil
}

func (f *fakeCursorStore) LoadCursor(_ context.Context, service string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[service], nil
}

func newTestController(inner firehose.Handler, q store.Querier, cfg Config) *Controller {
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = time.Nanosecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1_000_000
	}
	c := New(inner, q, cfg, nil, zap.NewNop())
	c.rssMB = func() (uint64, error) { return 0, nil }
	return c
}

func commitWithCreatedAt(seq int64, createdAt time.Time) *firehose.CommitEvent {
	return &firehose.CommitEvent{
		Seq:  seq,
		Repo: "did:plc:someone",
		Ops: []firehose.Op{{
			Action:     firehose.ActionCreate,
			Collection: "app.bsky.feed.post",
			URI:        "at://did:plc:someone/app.bsky.feed.post/x",
			Record: map[string]any{
				"$type":     "app.bsky.feed.post",
				"createdAt": createdAt.Format(time.RFC3339),
			},
		}},
	}
}

func TestWindowFiltersOldRecords(t *testing.T) {
	inner := &recordingHandler{}
	c := newTestController(inner, newFakeCursorStore(), Config{Days: 7})
	ctx := context.Background()

	require.NoError(t, c.HandleCommit(ctx, commitWithCreatedAt(1, time.Now().AddDate(0, 0, -30))))
	require.NoError(t, c.HandleCommit(ctx, commitWithCreatedAt(2, time.Now().AddDate(0, 0, -1))))

	require.Len(t, inner.commits, 1)
	assert.Equal(t, int64(2), inner.commits[0].Seq)
	assert.Equal(t, int64(2), c.Events())
}

func TestFullBackfillKeepsEverything(t *testing.T) {
	inner := &recordingHandler{}
	c := newTestController(inner, newFakeCursorStore(), Config{Days: -1})

	require.NoError(t, c.HandleCommit(context.Background(), commitWithCreatedAt(1, time.Now().AddDate(-2, 0, 0))))
	assert.Len(t, inner.commits, 1)
	assert.True(t, c.Enabled())
}

func TestDisabledWindow(t *testing.T) {
	c := newTestController(&recordingHandler{}, newFakeCursorStore(), Config{Days: 0})
	assert.False(t, c.Enabled())
}

func TestDeletesPassTheWindow(t *testing.T) {
	inner := &recordingHandler{}
	c := newTestController(inner, newFakeCursorStore(), Config{Days: 7})

	evt := &firehose.CommitEvent{
		Seq:  3,
		Repo: "did:plc:someone",
		Ops: []firehose.Op{{
			Action:     firehose.ActionDelete,
			Collection: "app.bsky.feed.post",
			URI:        "at://did:plc:someone/app.bsky.feed.post/old",
		}},
	}
	require.NoError(t, c.HandleCommit(context.Background(), evt))
	require.Len(t, inner.commits, 1)
	assert.Len(t, inner.commits[0].Ops, 1)
}

func TestProgressPersistedEveryThousandEvents(t *testing.T) {
	q := newFakeCursorStore()
	c := newTestController(&recordingHandler{}, q, Config{Days: -1})
	ctx := context.Background()

	for seq := int64(1); seq <= 2500; seq++ {
		require.NoError(t, c.HandleCommit(ctx, commitWithCreatedAt(seq, time.Now())))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, 2, q.saves)
	assert.Equal(t, int64(2000), q.cursors[CursorService])
}

func TestEventCapClosesDone(t *testing.T) {
	c := newTestController(&recordingHandler{}, newFakeCursorStore(), Config{Days: -1, MaxEvents: 3})
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, c.HandleCommit(ctx, commitWithCreatedAt(seq, time.Now())))
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed at cap")
	}

	// Further events are ignored once capped.
	require.NoError(t, c.HandleCommit(ctx, commitWithCreatedAt(4, time.Now())))
	assert.Equal(t, int64(3), c.Events())
}

func TestResumeReadsSavedCursor(t *testing.T) {
	q := newFakeCursorStore()
	q.cursors[CursorService] = 42
	c := newTestController(&recordingHandler{}, q, Config{Days: -1})

	seq, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestSkippedCommitStillAdvancesProgress(t *testing.T) {
	inner := &recordingHandler{}
	c := newTestController(inner, newFakeCursorStore(), Config{Days: 7})

	require.NoError(t, c.HandleCommit(context.Background(), commitWithCreatedAt(9, time.Now().AddDate(0, 0, -365))))
	assert.Empty(t, inner.commits)
	assert.Equal(t, int64(1), c.Events())
}
