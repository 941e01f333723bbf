package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/store"
)

type fakeResolver struct {
	endpoint   string
	handle     string
	endpointEr error
	handleErr  error
}

func (r *fakeResolver) ResolveDIDToPDSEndpoint(ctx context.Context, did string) (string, error) {
	return r.endpoint, r.endpointEr
}

func (r *fakeResolver) ResolveDIDToHandle(ctx context.Context, did string) (string, error) {
	return r.handle, r.handleErr
}

type fakeSink struct {
	mu       sync.Mutex
	records  []string
	flushed  []string
	recordEr error
}

func (s *fakeSink) ProcessRecord(ctx context.Context, uri, cid, repoDID string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordEr != nil {
		return s.recordEr
	}
	s.records = append(s.records, uri)
	return nil
}

func (s *fakeSink) FlushPendingUserOps(ctx context.Context, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = append(s.flushed, did)
}

// fakeUserStore covers only the user operations the fetcher touches.
type fakeUserStore struct {
	store.Querier

	mu         sync.Mutex
	handles    map[string]string
	incomplete map[string]bool
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{handles: map[string]string{}, incomplete: map[string]bool{}}
}

func (f *fakeUserStore) EnsureUser(_ context.Context, did, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[did]; ok {
		return false, nil
	}
	f.handles[did] = handle
	return true, nil
}

func (f *fakeUserStore) UpdateUserHandle(_ context.Context, did, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[did] = handle
	return nil
}

func (f *fakeUserStore) SetUserIncomplete(_ context.Context, did string, incomplete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incomplete[did] = incomplete
	return nil
}

func newTestFetcher(t *testing.T, db store.Querier, r Resolver, s Sink) *Fetcher {
	t.Helper()
	return New(db, r, s, Config{MaxRetries: 3, RequestsPerSec: 1000}, nil, zap.NewNop())
}

// backdate makes every entry due on the next sweep.
func backdate(f *Fetcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.incomplete {
		e.lastAttempt = time.Now().Add(-time.Hour)
	}
}

func TestFetchRecordSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.repo.getRecord", r.URL.Path)
		assert.Equal(t, "did:plc:alice", r.URL.Query().Get("repo"))
		assert.Equal(t, "app.bsky.feed.post", r.URL.Query().Get("collection"))
		assert.Equal(t, "abc", r.URL.Query().Get("rkey"))
		w.Write([]byte(`{"uri":"at://did:plc:alice/app.bsky.feed.post/abc","cid":"bafy1","value":{"$type":"app.bsky.feed.post","text":"hi"}}`))
	}))
	defer srv.Close()

	sink := &fakeSink{}
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{endpoint: srv.URL}, sink)

	f.MarkIncomplete(KindRecord, "did:plc:alice", "at://did:plc:alice/app.bsky.feed.post/abc", "")
	require.Equal(t, 1, f.Pending())

	f.sweep(context.Background())
	assert.Equal(t, 0, f.Pending())
	require.Len(t, sink.records, 1)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", sink.records[0])
}

func TestFetchRecordNotFoundDropsEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"RecordNotFound","message":"Could not locate record"}`))
	}))
	defer srv.Close()

	sink := &fakeSink{}
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{endpoint: srv.URL}, sink)

	f.MarkIncomplete(KindRecord, "did:plc:alice", "at://did:plc:alice/app.bsky.feed.post/gone", "")
	f.sweep(context.Background())

	assert.Equal(t, 0, f.Pending())
	assert.Empty(t, sink.records)
}

func TestFetchRecordRetriesThenGivesUp(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &fakeSink{}
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{endpoint: srv.URL}, sink)

	f.MarkIncomplete(KindRecord, "did:plc:alice", "at://did:plc:alice/app.bsky.feed.post/flaky", "")
	for i := 0; i < 3; i++ {
		f.sweep(context.Background())
		backdate(f)
	}

	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, 3, hits)
	assert.Empty(t, sink.records)
}

func TestFetchRecordTransientThenSuccess(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"uri":"at://did:plc:alice/app.bsky.feed.post/p","cid":"bafy2","value":{}}`))
	}))
	defer srv.Close()

	sink := &fakeSink{}
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{endpoint: srv.URL}, sink)

	f.MarkIncomplete(KindRecord, "did:plc:alice", "at://did:plc:alice/app.bsky.feed.post/p", "")
	f.sweep(context.Background())
	require.Equal(t, 1, f.Pending())
	backdate(f)
	f.sweep(context.Background())

	assert.Equal(t, 0, f.Pending())
	assert.Len(t, sink.records, 1)
}

func TestRepairUserFetchesHandleAndProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app.bsky.actor.profile", r.URL.Query().Get("collection"))
		assert.Equal(t, "self", r.URL.Query().Get("rkey"))
		w.Write([]byte(`{"cid":"bafyprof","value":{"$type":"app.bsky.actor.profile","displayName":"Alice","description":"hi"}}`))
	}))
	defer srv.Close()

	db := newFakeUserStore()
	db.handles["did:plc:alice"] = "handle.invalid"
	sink := &fakeSink{}
	f := newTestFetcher(t, db, &fakeResolver{handle: "alice.example.com", endpoint: srv.URL}, sink)

	f.MarkIncomplete(KindUser, "did:plc:alice", "", "")
	f.sweep(context.Background())

	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, "alice.example.com", db.handles["did:plc:alice"])
	assert.False(t, db.incomplete["did:plc:alice"])
	require.Len(t, sink.records, 1)
	assert.Equal(t, "at://did:plc:alice/app.bsky.actor.profile/self", sink.records[0])
	assert.Equal(t, []string{"did:plc:alice"}, sink.flushed)
}

func TestRepairUserHandleOnlyWhenProfileMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"RecordNotFound","message":"Could not locate record"}`))
	}))
	defer srv.Close()

	db := newFakeUserStore()
	sink := &fakeSink{}
	f := newTestFetcher(t, db, &fakeResolver{handle: "bob.example.com", endpoint: srv.URL}, sink)

	f.MarkIncomplete(KindUser, "did:plc:bob", "", "")
	f.sweep(context.Background())

	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, "bob.example.com", db.handles["did:plc:bob"])
	assert.False(t, db.incomplete["did:plc:bob"])
	assert.Empty(t, sink.records)
	assert.Equal(t, []string{"did:plc:bob"}, sink.flushed)
}

func TestRepairUserRetriesWhenProfileFetchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := newFakeUserStore()
	f := newTestFetcher(t, db, &fakeResolver{handle: "carol.example.com", endpoint: srv.URL}, &fakeSink{})

	f.MarkIncomplete(KindUser, "did:plc:carol", "", "")
	f.sweep(context.Background())

	assert.Equal(t, 1, f.Pending())
}

func TestRepairUserFallsBackToMinimalRow(t *testing.T) {
	db := newFakeUserStore()
	sink := &fakeSink{}
	f := newTestFetcher(t, db, &fakeResolver{handleErr: errors.New("resolution failed")}, sink)

	f.MarkIncomplete(KindUser, "did:plc:ghost", "", "")
	for i := 0; i < 3; i++ {
		f.sweep(context.Background())
		backdate(f)
	}

	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, "handle.invalid", db.handles["did:plc:ghost"])
	assert.Equal(t, []string{"did:plc:ghost"}, sink.flushed)
}

func TestMarkIncompleteSanitizesAndDedupes(t *testing.T) {
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{}, &fakeSink{})

	f.MarkIncomplete(KindUser, " did:plc:alice;", "", "")
	f.MarkIncomplete(KindUser, "did:plc:alice", "", "")
	assert.Equal(t, 1, f.Pending())

	f.MarkIncomplete(KindUser, "", "", "")
	assert.Equal(t, 1, f.Pending())
}

func TestDuplicateMarkCountsAsAttempt(t *testing.T) {
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{}, &fakeSink{})

	f.MarkIncomplete(KindUser, "did:plc:alice", "", "")
	f.MarkIncomplete(KindUser, "did:plc:alice", "", "")
	f.MarkIncomplete(KindUser, "did:plc:alice", "", "")

	f.mu.Lock()
	e := f.incomplete["user:did:plc:alice"]
	f.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, 2, e.retryCount)
	assert.False(t, e.lastAttempt.IsZero())
}

func TestUnparseableURIIsDroppedImmediately(t *testing.T) {
	f := newTestFetcher(t, newFakeUserStore(), &fakeResolver{endpoint: "http://unused"}, &fakeSink{})
	f.MarkIncomplete(KindRecord, "did:plc:alice", "not-a-uri", "")
	f.sweep(context.Background())
	assert.Equal(t, 0, f.Pending())
}
