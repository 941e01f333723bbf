// Package fetcher repairs gaps in locally stored data by pulling
// records and identity details from their home PDS. The processor
// reports what it had to create with placeholders; the fetcher retries
// each entry on a schedule until it is repaired or written off.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dollspace-gay/PublicAppView/internal/atutil"
	"github.com/dollspace-gay/PublicAppView/internal/store"
	"github.com/dollspace-gay/PublicAppView/internal/telemetry"
)

const (
	// KindUser repairs a subject row created with a placeholder handle.
	KindUser = "user"
	// KindRecord fetches a record referenced before it arrived.
	KindRecord = "record"

	sweepInterval  = 30 * time.Second
	retryDelay     = 30 * time.Second
	requestTimeout = 10 * time.Second

	placeholderHandle = "handle.invalid"
	profileCollection = "app.bsky.actor.profile"
	profileRkey       = "self"
)

// Sink receives the repaired data. The processor implements it.
type Sink interface {
	ProcessRecord(ctx context.Context, uri, cid, repoDID string, value map[string]any) error
	FlushPendingUserOps(ctx context.Context, did string)
}

// Resolver is the identity lookup surface the fetcher needs.
type Resolver interface {
	ResolveDIDToPDSEndpoint(ctx context.Context, did string) (string, error)
	ResolveDIDToHandle(ctx context.Context, did string) (string, error)
}

// entry is one incomplete item awaiting repair.
type entry struct {
	kind        string
	did         string
	uri         string
	hint        string
	retryCount  int
	lastAttempt time.Time
}

// Fetcher retries incomplete entries against their PDS under a global
// rate limit.
type Fetcher struct {
	db         store.Querier
	resolver   Resolver
	sink       Sink
	client     *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
	metrics    *telemetry.PipelineMetrics
	maxRetries int

	mu         sync.Mutex
	incomplete map[string]*entry
}

// Config tunes the retry loop. Zero values fall back to defaults.
type Config struct {
	MaxRetries     int
	RequestsPerSec float64
}

// New builds a Fetcher. metrics may be nil.
func New(db store.Querier, resolver Resolver, sink Sink, cfg Config, metrics *telemetry.PipelineMetrics, log *zap.Logger) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if metrics == nil {
		metrics, _ = telemetry.NewPipelineMetrics()
	}
	return &Fetcher{
		db:         db,
		resolver:   resolver,
		sink:       sink,
		client:     &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)),
		log:        log,
		metrics:    metrics,
		maxRetries: cfg.MaxRetries,
	}
}

// MarkIncomplete registers an item for repair. Safe to call from any
// goroutine; duplicate registrations collapse into one entry.
func (f *Fetcher) MarkIncomplete(kind, did, uri, hint string) {
	did = atutil.SanitizeDID(did)
	if did == "" {
		return
	}
	key := kind + ":" + did
	if uri != "" {
		key += ":" + uri
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incomplete == nil {
		f.incomplete = make(map[string]*entry)
	}
	if e, ok := f.incomplete[key]; ok {
		// A repeated reference counts as an attempt, so hot entries
		// that keep failing reach give-up sooner.
		e.retryCount++
		e.lastAttempt = time.Now()
		return
	}
	f.incomplete[key] = &entry{kind: kind, did: did, uri: uri, hint: hint}
}

// Pending reports how many entries await repair.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.incomplete)
}

// Run attempts due entries every 30 seconds until ctx is canceled.
func (f *Fetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sweep(ctx)
		}
	}
}

// sweep processes every entry that is due for another attempt.
func (f *Fetcher) sweep(ctx context.Context) {
	now := time.Now()

	f.mu.Lock()
	var due []*entry
	var keys []string
	for key, e := range f.incomplete {
		if e.lastAttempt.IsZero() || now.Sub(e.lastAttempt) >= retryDelay {
			due = append(due, e)
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()

	for i, e := range due {
		if ctx.Err() != nil {
			return
		}
		done := f.attempt(ctx, e)
		f.mu.Lock()
		if done {
			delete(f.incomplete, keys[i])
		} else {
			e.retryCount++
			e.lastAttempt = time.Now()
		}
		f.mu.Unlock()
	}
}

// attempt tries one repair. Returns true when the entry is finished,
// either repaired or written off.
func (f *Fetcher) attempt(ctx context.Context, e *entry) bool {
	if e.retryCount > 0 {
		f.metrics.FetchRetries.Add(ctx, 1)
	}

	var repaired bool
	var err error
	switch e.kind {
	case KindUser:
		repaired, err = f.repairUser(ctx, e)
	case KindRecord:
		repaired, err = f.fetchRecord(ctx, e)
	default:
		f.log.Warn("unknown incomplete kind", zap.String("kind", e.kind))
		return true
	}
	if repaired {
		return true
	}
	if err != nil {
		f.log.Debug("repair attempt failed",
			zap.String("kind", e.kind),
			zap.String("did", e.did),
			zap.Int("attempt", e.retryCount+1),
			zap.Error(err),
		)
	}

	if e.retryCount+1 >= f.maxRetries {
		return f.giveUp(ctx, e)
	}
	return false
}

// repairUser resolves the subject's real handle, pulls their profile
// record from the PDS, and clears the incomplete flag. A subject whose
// profile record is gone keeps a handle-only row. Pending ops blocked
// on the subject flush once the row is usable.
func (f *Fetcher) repairUser(ctx context.Context, e *entry) (bool, error) {
	handle, err := f.resolver.ResolveDIDToHandle(ctx, e.did)
	if err != nil {
		return false, err
	}

	if _, err := f.db.EnsureUser(ctx, e.did, handle); err != nil {
		return false, err
	}
	if err := f.db.UpdateUserHandle(ctx, e.did, handle); err != nil {
		return false, err
	}

	value, cid, found, err := f.getRecord(ctx, e.did, profileCollection, profileRkey)
	if err != nil {
		return false, err
	}
	if found {
		uri := atutil.BuildATURI(e.did, profileCollection, profileRkey)
		if err := f.sink.ProcessRecord(ctx, uri, cid, e.did, value); err != nil {
			return false, err
		}
	}

	if err := f.db.SetUserIncomplete(ctx, e.did, false); err != nil {
		return false, err
	}
	f.sink.FlushPendingUserOps(ctx, e.did)
	f.log.Debug("repaired user",
		zap.String("did", e.did),
		zap.String("handle", handle),
		zap.Bool("profile", found),
	)
	return true, nil
}

// fetchRecord pulls the record from the owner's PDS and hands it to
// the sink as a fresh create.
func (f *Fetcher) fetchRecord(ctx context.Context, e *entry) (bool, error) {
	parsed, err := atutil.ParseATURI(e.uri)
	if err != nil {
		// A URI that cannot be parsed will never fetch.
		f.metrics.PermanentMisses.Add(ctx, 1)
		return true, nil
	}

	value, cid, found, err := f.getRecord(ctx, parsed.DID, parsed.Collection, parsed.Rkey)
	if err != nil {
		return false, err
	}
	if !found {
		// The record is gone at the source. Stop asking.
		f.metrics.PermanentMisses.Add(ctx, 1)
		f.log.Debug("record permanently missing", zap.String("uri", e.uri))
		return true, nil
	}

	if err := f.sink.ProcessRecord(ctx, e.uri, cid, e.did, value); err != nil {
		return false, err
	}
	f.log.Debug("fetched record", zap.String("uri", e.uri))
	return true, nil
}

// getRecord performs one rate-limited com.atproto.repo.getRecord call
// against did's PDS. found is false when the PDS reports the record
// permanently absent.
func (f *Fetcher) getRecord(ctx context.Context, did, collection, rkey string) (value map[string]any, cid string, found bool, err error) {
	endpoint, err := f.resolver.ResolveDIDToPDSEndpoint(ctx, did)
	if err != nil {
		return nil, "", false, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", false, err
	}

	url := fmt.Sprintf("%s/xrpc/com.atproto.repo.getRecord?repo=%s&collection=%s&rkey=%s",
		endpoint, did, collection, rkey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		var out struct {
			CID   string         `json:"cid"`
			Value map[string]any `json:"value"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, "", false, fmt.Errorf("decoding getRecord response: %w", err)
		}
		return out.Value, out.CID, true, nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "RecordNotFound"):
		return nil, "", false, nil
	default:
		return nil, "", false, fmt.Errorf("getRecord %s/%s/%s: status %d", did, collection, rkey, resp.StatusCode)
	}
}

// giveUp finalizes an entry that exhausted its retries. Users still
// get a minimal usable row so their pending ops are not lost; records
// are counted as permanent misses.
func (f *Fetcher) giveUp(ctx context.Context, e *entry) bool {
	if e.kind == KindUser {
		if _, err := f.db.EnsureUser(ctx, e.did, placeholderHandle); err != nil {
			f.log.Warn("failed to create minimal user", zap.String("did", e.did), zap.Error(err))
			return true
		}
		if err := f.db.SetUserIncomplete(ctx, e.did, false); err != nil {
			f.log.Warn("failed to clear incomplete flag", zap.String("did", e.did), zap.Error(err))
		}
		f.sink.FlushPendingUserOps(ctx, e.did)
		f.log.Info("created minimal user after retries", zap.String("did", e.did))
		return true
	}
	f.metrics.PermanentMisses.Add(ctx, 1)
	f.log.Info("giving up on record",
		zap.String("uri", e.uri),
		zap.Int("attempts", e.retryCount+1),
	)
	return true
}
