package store

import (
	"context"
	"time"
)

// PostCounter names a column of post_aggregations. AdjustPostCount only
// accepts these values.
type PostCounter string

const (
	CounterLike     PostCounter = "like_count"
	CounterRepost   PostCounter = "repost_count"
	CounterReply    PostCounter = "reply_count"
	CounterQuote    PostCounter = "quote_count"
	CounterBookmark PostCounter = "bookmark_count"
)

// Querier is the full write/read surface the pipeline depends on. The
// processor, fetcher, and stream client all take this interface so
// tests can substitute in-memory fakes.
type Querier interface {
	// users
	EnsureUser(ctx context.Context, did, handle string) (bool, error)
	UpdateUserHandle(ctx context.Context, did, handle string) error
	SetUserStatus(ctx context.Context, did, status string) error
	SetUserIncomplete(ctx context.Context, did string, incomplete bool) error
	UpsertProfile(ctx context.Context, arg UpsertProfileParams) error
	GetUserDIDByHandle(ctx context.Context, handle string) (string, error)
	GetUserHandle(ctx context.Context, did string) (string, error)
	DataCollectionForbidden(ctx context.Context, did string) (bool, error)

	// records
	CreatePost(ctx context.Context, arg CreatePostParams) (bool, error)
	CreateLike(ctx context.Context, arg CreateSubjectRefParams) (bool, error)
	CreateRepost(ctx context.Context, arg CreateSubjectRefParams) (bool, error)
	CreateBookmark(ctx context.Context, arg CreateSubjectRefParams) (bool, error)
	CreateFollow(ctx context.Context, arg CreateGraphParams) (bool, error)
	CreateBlock(ctx context.Context, arg CreateGraphParams) (bool, error)
	CreateList(ctx context.Context, arg CreateListParams) (bool, error)
	CreateListItem(ctx context.Context, arg CreateListItemParams) (bool, error)
	CreateFeedGenerator(ctx context.Context, arg CreateFeedGeneratorParams) (bool, error)
	CreateStarterPack(ctx context.Context, arg CreateStarterPackParams) (bool, error)
	CreateLabelerService(ctx context.Context, arg CreateLabelerServiceParams) (bool, error)
	CreateVerification(ctx context.Context, arg CreateVerificationParams) (bool, error)
	CreateGenericRecord(ctx context.Context, arg CreateGenericRecordParams) (bool, error)
	ApplyLabel(ctx context.Context, arg ApplyLabelParams) error
	ActiveLabels(ctx context.Context, src, subject string) ([]string, error)

	// deletes; likes/reposts/bookmarks return the post URI they pointed
	// at so the caller can decrement the matching counter, posts return
	// the parent URI for the reply_count decrement
	DeletePost(ctx context.Context, uri string) (string, error)
	DeleteLike(ctx context.Context, uri string) (string, error)
	DeleteRepost(ctx context.Context, uri string) (string, error)
	DeleteBookmark(ctx context.Context, uri string) (string, error)
	DeleteFollow(ctx context.Context, uri string) error
	DeleteBlock(ctx context.Context, uri string) error
	DeleteList(ctx context.Context, uri string) error
	DeleteListItem(ctx context.Context, uri string) error
	DeleteGenericRecord(ctx context.Context, uri, collection string) error

	// derived state
	AdjustPostCount(ctx context.Context, postURI string, counter PostCounter, delta int) error
	UpsertViewerLike(ctx context.Context, postURI, viewerDID, likeURI string) error
	UpsertViewerRepost(ctx context.Context, postURI, viewerDID, repostURI string) error
	SetViewerBookmarked(ctx context.Context, postURI, viewerDID string, bookmarked bool) error
	ClearViewerLike(ctx context.Context, postURI, viewerDID string) error
	ClearViewerRepost(ctx context.Context, postURI, viewerDID string) error
	CreateNotification(ctx context.Context, arg CreateNotificationParams) error
	CreateThreadContext(ctx context.Context, arg CreateThreadContextParams) error
	CreateQuote(ctx context.Context, quotingURI, subjectURI string, createdAt time.Time) (bool, error)
	CreateFeedItem(ctx context.Context, arg CreateFeedItemParams) (bool, error)
	DeleteFeedItem(ctx context.Context, uri string) error
	GetPostAuthor(ctx context.Context, uri string) (string, error)

	// cursor
	SaveCursor(ctx context.Context, service string, cursor int64, ts time.Time) error
	LoadCursor(ctx context.Context, service string) (int64, error)
}

var _ Querier = (*Queries)(nil)
