package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateNotificationParams describes one social-interaction notification.
type CreateNotificationParams struct {
	RecipientDID string
	AuthorDID    string
	Reason       string
	SubjectURI   string
	CreatedAt    time.Time
}

// CreateThreadContextParams anchors a reply post in its thread.
type CreateThreadContextParams struct {
	PostURI           string
	RootURI           string
	ParentURI         string
	RootAuthorLikeURI string
}

// CreateFeedItemParams is one timeline entry, kind "post" or "repost".
type CreateFeedItemParams struct {
	URI       string
	PostURI   string
	AuthorDID string
	Kind      string
	SortAt    time.Time
}

// validCounters whitelists the columns AdjustPostCount may touch.
var validCounters = map[PostCounter]struct{}{
	CounterLike:     {},
	CounterRepost:   {},
	CounterReply:    {},
	CounterQuote:    {},
	CounterBookmark: {},
}

// AdjustPostCount bumps one aggregation counter by delta. Increments
// upsert the aggregation row; decrements clamp at zero and never
// create a row.
func (q *Queries) AdjustPostCount(ctx context.Context, postURI string, counter PostCounter, delta int) error {
	if _, ok := validCounters[counter]; !ok {
		return fmt.Errorf("unknown post counter %q", counter)
	}
	var sql string
	if delta >= 0 {
		sql = fmt.Sprintf(`
INSERT INTO post_aggregations (post_uri, %[1]s) VALUES ($1, $2)
ON CONFLICT (post_uri) DO UPDATE SET %[1]s = post_aggregations.%[1]s + $2`, counter)
	} else {
		sql = fmt.Sprintf(`
UPDATE post_aggregations SET %[1]s = GREATEST(%[1]s + $2, 0) WHERE post_uri = $1`, counter)
	}
	_, err := q.db.Exec(ctx, sql, postURI, delta)
	return mapError(err)
}

const upsertViewerLike = `
INSERT INTO post_viewer_states (post_uri, viewer_did, like_uri)
VALUES ($1, $2, $3)
ON CONFLICT (post_uri, viewer_did) DO UPDATE SET like_uri = EXCLUDED.like_uri`

func (q *Queries) UpsertViewerLike(ctx context.Context, postURI, viewerDID, likeURI string) error {
	_, err := q.db.Exec(ctx, upsertViewerLike, postURI, viewerDID, likeURI)
	return mapError(err)
}

const upsertViewerRepost = `
INSERT INTO post_viewer_states (post_uri, viewer_did, repost_uri)
VALUES ($1, $2, $3)
ON CONFLICT (post_uri, viewer_did) DO UPDATE SET repost_uri = EXCLUDED.repost_uri`

func (q *Queries) UpsertViewerRepost(ctx context.Context, postURI, viewerDID, repostURI string) error {
	_, err := q.db.Exec(ctx, upsertViewerRepost, postURI, viewerDID, repostURI)
	return mapError(err)
}

const setViewerBookmarked = `
INSERT INTO post_viewer_states (post_uri, viewer_did, bookmarked)
VALUES ($1, $2, $3)
ON CONFLICT (post_uri, viewer_did) DO UPDATE SET bookmarked = EXCLUDED.bookmarked`

func (q *Queries) SetViewerBookmarked(ctx context.Context, postURI, viewerDID string, bookmarked bool) error {
	_, err := q.db.Exec(ctx, setViewerBookmarked, postURI, viewerDID, bookmarked)
	return mapError(err)
}

func (q *Queries) ClearViewerLike(ctx context.Context, postURI, viewerDID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE post_viewer_states SET like_uri = NULL WHERE post_uri = $1 AND viewer_did = $2`,
		postURI, viewerDID)
	return mapError(err)
}

func (q *Queries) ClearViewerRepost(ctx context.Context, postURI, viewerDID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE post_viewer_states SET repost_uri = NULL WHERE post_uri = $1 AND viewer_did = $2`,
		postURI, viewerDID)
	return mapError(err)
}

const createNotification = `
INSERT INTO notifications (id, recipient_did, author_did, reason, subject_uri, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// CreateNotification writes one notification row. Self-notifications
// are rejected here as a last line of defense; callers filter first.
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) error {
	if arg.RecipientDID == arg.AuthorDID {
		return nil
	}
	_, err := q.db.Exec(ctx, createNotification,
		uuid.NewString(), arg.RecipientDID, arg.AuthorDID, arg.Reason, arg.SubjectURI, arg.CreatedAt)
	return mapError(err)
}

const createThreadContext = `
INSERT INTO thread_contexts (post_uri, root_uri, parent_uri, root_author_like_uri)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
ON CONFLICT (post_uri) DO NOTHING`

func (q *Queries) CreateThreadContext(ctx context.Context, arg CreateThreadContextParams) error {
	_, err := q.db.Exec(ctx, createThreadContext,
		arg.PostURI, arg.RootURI, arg.ParentURI, arg.RootAuthorLikeURI)
	return mapError(err)
}

const createQuote = `
INSERT INTO quotes (uri, subject_uri, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (uri) DO NOTHING`

// CreateQuote records that quotingURI embeds subjectURI.
func (q *Queries) CreateQuote(ctx context.Context, quotingURI, subjectURI string, createdAt time.Time) (bool, error) {
	return q.execInsert(ctx, createQuote, quotingURI, subjectURI, createdAt)
}

const createFeedItem = `
INSERT INTO feed_items (uri, post_uri, author_did, kind, sort_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateFeedItem(ctx context.Context, arg CreateFeedItemParams) (bool, error) {
	return q.execInsert(ctx, createFeedItem,
		arg.URI, arg.PostURI, arg.AuthorDID, arg.Kind, arg.SortAt)
}

// DeleteFeedItem removes a timeline entry by its record URI.
func (q *Queries) DeleteFeedItem(ctx context.Context, uri string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM feed_items WHERE uri = $1`, uri)
	return mapError(err)
}

const getPostAuthor = `
SELECT author_did FROM posts WHERE uri = $1`

func (q *Queries) GetPostAuthor(ctx context.Context, uri string) (string, error) {
	var did string
	err := q.db.QueryRow(ctx, getPostAuthor, uri).Scan(&did)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return did, mapError(err)
}
