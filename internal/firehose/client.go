package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	data "github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/bluesky-social/indigo/repo"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

const (
	subscribePath   = "/xrpc/com.atproto.sync.subscribeRepos"
	maxFrameSize    = 10 << 20 // 10MB
	pingInterval    = 30 * time.Second
	pingWriteWait   = 10 * time.Second
	reconnectBase   = time.Second
	reconnectMax    = 30 * time.Second
	rateLogInterval = 1000
)

// Client holds the relay subscription and feeds decoded events to a
// Handler, reconnecting with backoff and resuming from the cursor.
type Client struct {
	relayURL string
	handler  Handler
	cursor   *CursorManager
	log      *zap.Logger

	dialer *websocket.Dialer

	eventCount int64
	startTime  time.Time
}

// NewClient builds a stream client for the given relay base URL.
func NewClient(relayURL string, handler Handler, cursor *CursorManager, log *zap.Logger) *Client {
	return &Client{
		relayURL: relayURL,
		handler:  handler,
		cursor:   cursor,
		log:      log,
		dialer:   websocket.DefaultDialer,
	}
}

// SubscribeURL builds the subscription URL for a relay base, appending
// the xrpc path if absent and the cursor parameter when resuming.
func SubscribeURL(relayURL string, cursor int64) string {
	u := strings.TrimRight(relayURL, "/")
	if !strings.HasSuffix(u, subscribePath) {
		u += subscribePath
	}
	if cursor > 0 {
		u = fmt.Sprintf("%s?cursor=%d", u, cursor)
	}
	return u
}

// Run subscribes and processes frames until ctx is canceled. Each
// disconnect reconnects with exponential backoff from the last-seen
// cursor.
func (c *Client) Run(ctx context.Context) error {
	c.startTime = time.Now()
	backoff := reconnectBase

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		url := SubscribeURL(c.relayURL, c.cursor.Current())
		c.log.Info("connecting to firehose",
			zap.String("url", url),
			zap.Int64("cursor", c.cursor.Current()),
		)

		err := c.streamOnce(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("firehose stream ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// streamOnce dials and consumes one connection until it fails or ctx
// is canceled.
func (c *Client) streamOnce(ctx context.Context, url string) error {
	conn, _, err := c.dialer.DialContext(ctx, url, http.Header{
		"User-Agent": []string{"PublicAppView/firehose"},
	})
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Keepalive pings; the server's pongs reset the read deadline via
	// gorilla's default pong handler.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
					c.log.Debug("keepalive ping failed", zap.Error(err))
					return
				}
			}
		}
	}()

	rsc := &events.RepoStreamCallbacks{
		RepoCommit:   func(evt *comatproto.SyncSubscribeRepos_Commit) error { return c.onCommit(streamCtx, evt) },
		RepoIdentity: func(evt *comatproto.SyncSubscribeRepos_Identity) error { return c.onIdentity(streamCtx, evt) },
		RepoAccount:  func(evt *comatproto.SyncSubscribeRepos_Account) error { return c.onAccount(streamCtx, evt) },
	}
	sched := sequential.NewScheduler("firehose", rsc.EventHandler)
	return events.HandleRepoStream(streamCtx, conn, sched, slog.Default())
}

func (c *Client) onCommit(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Commit) error {
	c.cursor.Set(evt.Seq)
	c.logRate(evt.Seq)

	commit := &CommitEvent{
		Seq:  evt.Seq,
		Repo: evt.Repo,
		Ops:  c.materializeOps(ctx, evt),
	}
	if len(commit.Ops) == 0 {
		return nil
	}
	if err := c.handler.HandleCommit(ctx, commit); err != nil {
		// The handler owns its own error policy; anything that leaks
		// out is logged and the stream keeps moving.
		c.log.Error("commit handler failed",
			zap.Int64("seq", evt.Seq),
			zap.String("repo", evt.Repo),
			zap.Error(err),
		)
	}
	return nil
}

func (c *Client) onIdentity(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Identity) error {
	c.cursor.Set(evt.Seq)
	ie := &IdentityEvent{Seq: evt.Seq, DID: evt.Did}
	if evt.Handle != nil {
		ie.Handle = *evt.Handle
	}
	if err := c.handler.HandleIdentity(ctx, ie); err != nil {
		c.log.Error("identity handler failed", zap.String("did", evt.Did), zap.Error(err))
	}
	return nil
}

func (c *Client) onAccount(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Account) error {
	c.cursor.Set(evt.Seq)
	ae := &AccountEvent{Seq: evt.Seq, DID: evt.Did, Active: evt.Active}
	if evt.Status != nil {
		ae.Status = *evt.Status
	}
	if err := c.handler.HandleAccount(ctx, ae); err != nil {
		c.log.Error("account handler failed", zap.String("did", evt.Did), zap.Error(err))
	}
	return nil
}

// materializeOps resolves each op's record bytes out of the commit's
// CAR archive. A decode failure skips that op only.
func (c *Client) materializeOps(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Commit) []Op {
	var r *repo.Repo
	if len(evt.Blocks) > 0 {
		var err error
		r, err = repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
		if err != nil {
			c.log.Debug("failed to read commit CAR",
				zap.Int64("seq", evt.Seq),
				zap.Error(err),
			)
			r = nil
		}
	}

	ops := make([]Op, 0, len(evt.Ops))
	for _, rawOp := range evt.Ops {
		parts := strings.SplitN(rawOp.Path, "/", 2)
		if len(parts) != 2 {
			continue
		}
		op := Op{
			Action:     Action(rawOp.Action),
			Collection: parts[0],
			Rkey:       parts[1],
			URI:        fmt.Sprintf("at://%s/%s", evt.Repo, rawOp.Path),
		}

		switch op.Action {
		case ActionCreate, ActionUpdate:
			if rawOp.Cid == nil || r == nil {
				continue
			}
			rc := cid.Cid(*rawOp.Cid)
			op.CID = rc.String()
			blk, err := r.Blockstore().Get(ctx, rc)
			if err != nil {
				c.log.Debug("record block missing from CAR",
					zap.String("uri", op.URI),
					zap.String("cid", op.CID),
				)
				continue
			}
			rec, err := data.UnmarshalCBOR(blk.RawData())
			if err != nil {
				c.log.Debug("failed to decode record block",
					zap.String("uri", op.URI),
					zap.Error(err),
				)
				continue
			}
			op.Record = rec
		case ActionDelete:
		default:
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

func (c *Client) logRate(seq int64) {
	c.eventCount++
	if c.eventCount%rateLogInterval == 0 {
		elapsed := time.Since(c.startTime).Seconds()
		rate := float64(c.eventCount) / elapsed
		c.log.Info("firehose progress",
			zap.Int64("events", c.eventCount),
			zap.Float64("events_per_sec", rate),
			zap.Int64("cursor", seq),
		)
	}
}
