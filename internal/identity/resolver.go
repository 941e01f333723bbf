// Package identity resolves DIDs to DID documents, PDS endpoints, and
// handles, and handles back to DIDs. Lookups are cached with a 24h TTL
// and the directory path is guarded by a circuit breaker so a plc
// outage cannot stall the pipeline.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrNotFound is returned for definitive misses (HTTP 404 from the
// directory, no TXT record and no well-known fallback).
var ErrNotFound = errors.New("identity: not found")

// ErrDocumentMismatch is returned when a fetched document's id does not
// match the requested DID. Such documents are never cached.
var ErrDocumentMismatch = errors.New("identity: document id mismatch")

const (
	cacheSize        = 100_000
	cacheTTL         = 24 * time.Hour
	maxAttempts      = 3
	retryBase        = time.Second
	requestTimeout   = 15 * time.Second
	maxConcurrent    = 15
	statsLogInterval = 5000
)

// Document is a DID document, reduced to the fields the pipeline reads.
type Document struct {
	ID          string    `json:"id"`
	AlsoKnownAs []string  `json:"alsoKnownAs"`
	Service     []Service `json:"service"`
}

// Service is one service entry of a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Resolver resolves AT Protocol identities with caching, retry, and
// circuit breaking.
type Resolver struct {
	client       *http.Client
	directoryURL string
	lookupTXT    func(ctx context.Context, name string) ([]string, error)

	docCache    *expirable.LRU[string, *Document]
	handleCache *expirable.LRU[string, string]

	breaker *gobreaker.CircuitBreaker
	sem     *semaphore.Weighted
	log     *zap.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	resolutions atomic.Int64
}

// NewResolver builds a Resolver against the given plc directory base URL.
func NewResolver(directoryURL string, log *zap.Logger) *Resolver {
	return &Resolver{
		client:       &http.Client{Timeout: requestTimeout},
		directoryURL: strings.TrimRight(directoryURL, "/"),
		lookupTXT:    net.DefaultResolver.LookupTXT,
		docCache:     expirable.NewLRU[string, *Document](cacheSize, nil, cacheTTL),
		handleCache:  expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "plc-directory",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		sem: semaphore.NewWeighted(maxConcurrent),
		log: log,
	}
}

// ResolveDIDToDocument returns the DID document for did, or nil when it
// cannot be resolved. Documents whose id field does not match did are
// rejected.
func (r *Resolver) ResolveDIDToDocument(ctx context.Context, did string) (*Document, error) {
	if doc, ok := r.docCache.Get(did); ok {
		r.hits.Add(1)
		r.maybeLogStats()
		return doc, nil
	}
	r.misses.Add(1)
	r.maybeLogStats()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	var (
		doc *Document
		err error
	)
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		doc, err = r.resolvePLC(ctx, did)
	case strings.HasPrefix(did, "did:web:"):
		doc, err = r.resolveWeb(ctx, did)
	default:
		return nil, fmt.Errorf("identity: unsupported did method: %s", did)
	}
	if err != nil {
		return nil, err
	}
	if doc.ID != did {
		r.log.Warn("rejecting did document with mismatched id",
			zap.String("requested", did),
			zap.String("document_id", doc.ID),
		)
		return nil, ErrDocumentMismatch
	}

	r.docCache.Add(did, doc)
	if handle := handleFromDocument(doc); handle != "" {
		r.handleCache.Add(did, handle)
	}
	return doc, nil
}

// ResolveDIDToPDSEndpoint returns the subject's PDS base URL, or ""
// when the document is unavailable or carries no usable PDS entry.
func (r *Resolver) ResolveDIDToPDSEndpoint(ctx context.Context, did string) (string, error) {
	doc, err := r.ResolveDIDToDocument(ctx, did)
	if err != nil {
		return "", err
	}
	return pdsEndpoint(doc), nil
}

// ResolveDIDToHandle returns the subject's declared handle, or "".
func (r *Resolver) ResolveDIDToHandle(ctx context.Context, did string) (string, error) {
	if handle, ok := r.handleCache.Get(did); ok {
		r.hits.Add(1)
		r.maybeLogStats()
		return handle, nil
	}
	doc, err := r.ResolveDIDToDocument(ctx, did)
	if err != nil {
		return "", err
	}
	handle := handleFromDocument(doc)
	if handle == "" {
		return "", ErrNotFound
	}
	return handle, nil
}

// ResolveHandleToDID resolves a handle to its DID, trying the
// _atproto DNS TXT record first and the well-known HTTPS endpoint
// second.
func (r *Resolver) ResolveHandleToDID(ctx context.Context, handle string) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.sem.Release(1)

	if txts, err := r.lookupTXT(ctx, "_atproto."+handle); err == nil {
		for _, txt := range txts {
			v := strings.TrimPrefix(strings.TrimSpace(txt), "did=")
			if strings.HasPrefix(v, "did:") {
				return v, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://%s/.well-known/atproto-did", handle), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("well-known lookup for %s: %w", handle, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", ErrNotFound
	}
	return did, nil
}

// resolvePLC fetches the document from the plc directory through the
// circuit breaker with bounded retries.
func (r *Resolver) resolvePLC(ctx context.Context, did string) (*Document, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.fetchDocument(ctx, r.directoryURL+"/"+did)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			r.log.Warn("directory circuit breaker open", zap.String("did", did))
		}
		return nil, err
	}
	return res.(*Document), nil
}

// resolveWeb resolves did:web identifiers. did:web:example.com maps to
// the well-known path; extra segments map to a path-form did.json.
func (r *Resolver) resolveWeb(ctx context.Context, did string) (*Document, error) {
	parts := strings.Split(strings.TrimPrefix(did, "did:web:"), ":")
	if parts[0] == "" {
		return nil, fmt.Errorf("identity: malformed did:web: %s", did)
	}
	var url string
	if len(parts) == 1 {
		url = fmt.Sprintf("https://%s/.well-known/did.json", parts[0])
	} else {
		url = fmt.Sprintf("https://%s/%s/did.json", parts[0], strings.Join(parts[1:], "/"))
	}
	return r.fetchDocument(ctx, url)
}

// fetchDocument GETs a DID document with retry. 404 is a definitive
// miss and is not retried; 5xx and transport errors back off and retry.
func (r *Resolver) fetchDocument(ctx context.Context, url string) (*Document, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		doc, retryable, err := r.fetchOnce(ctx, url)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		r.log.Debug("did document fetch failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (r *Resolver) fetchOnce(ctx context.Context, url string) (doc *Document, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	var d Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&d); err != nil {
		return nil, false, fmt.Errorf("decode did document: %w", err)
	}
	return &d, false, nil
}

// pdsEndpoint extracts the personal data server URL from a document.
func pdsEndpoint(doc *Document) string {
	for _, svc := range doc.Service {
		isPDS := svc.ID == "#atproto_pds" || svc.ID == "atproto_pds" ||
			svc.Type == "AtprotoPersonalDataServer"
		if !isPDS {
			continue
		}
		ep := svc.ServiceEndpoint
		if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
			return strings.TrimRight(ep, "/")
		}
	}
	return ""
}

// handleFromDocument pulls the handle out of alsoKnownAs. Entries are
// at:// URIs; only dotted names qualify as handles.
func handleFromDocument(doc *Document) string {
	for _, aka := range doc.AlsoKnownAs {
		h := strings.TrimPrefix(aka, "at://")
		if h != aka && strings.Contains(h, ".") {
			return h
		}
	}
	return ""
}

func (r *Resolver) maybeLogStats() {
	n := r.resolutions.Add(1)
	if n%statsLogInterval == 0 {
		r.log.Info("identity resolution stats",
			zap.Int64("resolutions", n),
			zap.Int64("cache_hits", r.hits.Load()),
			zap.Int64("cache_misses", r.misses.Load()),
		)
	}
}
