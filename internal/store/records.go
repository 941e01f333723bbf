package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreatePostParams is the full shape of a post row.
type CreatePostParams struct {
	URI        string
	CID        string
	AuthorDID  string
	Text       string
	ParentURI  string
	RootURI    string
	EmbedJSON  []byte
	FacetsJSON []byte
	Langs      []string
	CreatedAt  time.Time
}

// CreateSubjectRefParams covers likes, reposts, and bookmarks: a record
// binding its author to a post URI.
type CreateSubjectRefParams struct {
	URI       string
	AuthorDID string
	PostURI   string
	PostCID   string
	CreatedAt time.Time
}

// CreateGraphParams covers follows and blocks: author to subject DID.
type CreateGraphParams struct {
	URI        string
	AuthorDID  string
	SubjectDID string
	CreatedAt  time.Time
}

type CreateListParams struct {
	URI         string
	AuthorDID   string
	Name        string
	Purpose     string
	Description string
	AvatarCID   string
	CreatedAt   time.Time
}

type CreateListItemParams struct {
	URI        string
	AuthorDID  string
	ListURI    string
	SubjectDID string
	CreatedAt  time.Time
}

type CreateFeedGeneratorParams struct {
	URI         string
	AuthorDID   string
	ServiceDID  string
	DisplayName string
	Description string
	AvatarCID   string
	CreatedAt   time.Time
}

type CreateStarterPackParams struct {
	URI         string
	AuthorDID   string
	Name        string
	ListURI     string
	Description string
	CreatedAt   time.Time
}

type CreateLabelerServiceParams struct {
	URI          string
	AuthorDID    string
	PoliciesJSON []byte
	CreatedAt    time.Time
}

type CreateVerificationParams struct {
	URI         string
	AuthorDID   string
	SubjectDID  string
	Handle      string
	DisplayName string
	CreatedAt   time.Time
}

// CreateGenericRecordParams stores the raw JSON of a record whose
// collection the pipeline has no dedicated table for.
type CreateGenericRecordParams struct {
	URI        string
	Collection string
	AuthorDID  string
	RecordJSON []byte
	CreatedAt  time.Time
}

// execInsert runs an insert-or-ignore statement and reports whether a
// row was actually written.
func (q *Queries) execInsert(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

const createPost = `
INSERT INTO posts (uri, cid, author_did, text, parent_uri, root_uri, embed_json, facets_json, langs, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreatePost(ctx context.Context, arg CreatePostParams) (bool, error) {
	return q.execInsert(ctx, createPost,
		arg.URI, arg.CID, arg.AuthorDID, arg.Text, arg.ParentURI, arg.RootURI,
		arg.EmbedJSON, arg.FacetsJSON, arg.Langs, arg.CreatedAt)
}

const createLike = `
INSERT INTO likes (uri, author_did, post_uri, post_cid, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateLike(ctx context.Context, arg CreateSubjectRefParams) (bool, error) {
	return q.execInsert(ctx, createLike, arg.URI, arg.AuthorDID, arg.PostURI, arg.PostCID, arg.CreatedAt)
}

const createRepost = `
INSERT INTO reposts (uri, author_did, post_uri, post_cid, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateRepost(ctx context.Context, arg CreateSubjectRefParams) (bool, error) {
	return q.execInsert(ctx, createRepost, arg.URI, arg.AuthorDID, arg.PostURI, arg.PostCID, arg.CreatedAt)
}

const createBookmark = `
INSERT INTO bookmarks (uri, author_did, post_uri, post_cid, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateBookmark(ctx context.Context, arg CreateSubjectRefParams) (bool, error) {
	return q.execInsert(ctx, createBookmark, arg.URI, arg.AuthorDID, arg.PostURI, arg.PostCID, arg.CreatedAt)
}

const createFollow = `
INSERT INTO follows (uri, author_did, subject_did, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateFollow(ctx context.Context, arg CreateGraphParams) (bool, error) {
	return q.execInsert(ctx, createFollow, arg.URI, arg.AuthorDID, arg.SubjectDID, arg.CreatedAt)
}

const createBlock = `
INSERT INTO blocks (uri, author_did, subject_did, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateBlock(ctx context.Context, arg CreateGraphParams) (bool, error) {
	return q.execInsert(ctx, createBlock, arg.URI, arg.AuthorDID, arg.SubjectDID, arg.CreatedAt)
}

const createList = `
INSERT INTO lists (uri, author_did, name, purpose, description, avatar_cid, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateList(ctx context.Context, arg CreateListParams) (bool, error) {
	return q.execInsert(ctx, createList,
		arg.URI, arg.AuthorDID, arg.Name, arg.Purpose, arg.Description, arg.AvatarCID, arg.CreatedAt)
}

const createListItem = `
INSERT INTO list_items (uri, author_did, list_uri, subject_did, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateListItem(ctx context.Context, arg CreateListItemParams) (bool, error) {
	return q.execInsert(ctx, createListItem,
		arg.URI, arg.AuthorDID, arg.ListURI, arg.SubjectDID, arg.CreatedAt)
}

const createFeedGenerator = `
INSERT INTO feed_generators (uri, author_did, service_did, display_name, description, avatar_cid, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateFeedGenerator(ctx context.Context, arg CreateFeedGeneratorParams) (bool, error) {
	return q.execInsert(ctx, createFeedGenerator,
		arg.URI, arg.AuthorDID, arg.ServiceDID, arg.DisplayName, arg.Description, arg.AvatarCID, arg.CreatedAt)
}

const createStarterPack = `
INSERT INTO starter_packs (uri, author_did, name, list_uri, description, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateStarterPack(ctx context.Context, arg CreateStarterPackParams) (bool, error) {
	return q.execInsert(ctx, createStarterPack,
		arg.URI, arg.AuthorDID, arg.Name, arg.ListURI, arg.Description, arg.CreatedAt)
}

const createLabelerService = `
INSERT INTO labeler_services (uri, author_did, policies_json, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateLabelerService(ctx context.Context, arg CreateLabelerServiceParams) (bool, error) {
	return q.execInsert(ctx, createLabelerService,
		arg.URI, arg.AuthorDID, arg.PoliciesJSON, arg.CreatedAt)
}

const createVerification = `
INSERT INTO verifications (uri, author_did, subject_did, handle, display_name, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateVerification(ctx context.Context, arg CreateVerificationParams) (bool, error) {
	return q.execInsert(ctx, createVerification,
		arg.URI, arg.AuthorDID, arg.SubjectDID, arg.Handle, arg.DisplayName, arg.CreatedAt)
}

const createGenericRecord = `
INSERT INTO generic_records (uri, collection, author_did, record_json, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (uri) DO NOTHING`

func (q *Queries) CreateGenericRecord(ctx context.Context, arg CreateGenericRecordParams) (bool, error) {
	return q.execInsert(ctx, createGenericRecord,
		arg.URI, arg.Collection, arg.AuthorDID, arg.RecordJSON, arg.CreatedAt)
}

// --- deletes -------------------------------------------------------------

// deleteReturningPost deletes one row and reports the post it pointed
// at, or ErrNotFound when the row never existed.
func (q *Queries) deleteReturningPost(ctx context.Context, sql, uri string) (string, error) {
	var postURI string
	err := q.db.QueryRow(ctx, sql, uri).Scan(&postURI)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return postURI, mapError(err)
}

const deletePost = `
DELETE FROM posts WHERE uri = $1 RETURNING COALESCE(parent_uri, '')`

// DeletePost removes the post and returns its parent URI (empty when
// the post was not a reply) so the caller can decrement reply_count.
// Derived rows cascade.
func (q *Queries) DeletePost(ctx context.Context, uri string) (string, error) {
	return q.deleteReturningPost(ctx, deletePost, uri)
}

const deleteLike = `
DELETE FROM likes WHERE uri = $1 RETURNING post_uri`

func (q *Queries) DeleteLike(ctx context.Context, uri string) (string, error) {
	return q.deleteReturningPost(ctx, deleteLike, uri)
}

const deleteRepost = `
DELETE FROM reposts WHERE uri = $1 RETURNING post_uri`

func (q *Queries) DeleteRepost(ctx context.Context, uri string) (string, error) {
	return q.deleteReturningPost(ctx, deleteRepost, uri)
}

const deleteBookmark = `
DELETE FROM bookmarks WHERE uri = $1 RETURNING post_uri`

func (q *Queries) DeleteBookmark(ctx context.Context, uri string) (string, error) {
	return q.deleteReturningPost(ctx, deleteBookmark, uri)
}

func (q *Queries) DeleteFollow(ctx context.Context, uri string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM follows WHERE uri = $1`, uri)
	return mapError(err)
}

func (q *Queries) DeleteBlock(ctx context.Context, uri string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM blocks WHERE uri = $1`, uri)
	return mapError(err)
}

func (q *Queries) DeleteList(ctx context.Context, uri string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM lists WHERE uri = $1`, uri)
	return mapError(err)
}

func (q *Queries) DeleteListItem(ctx context.Context, uri string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM list_items WHERE uri = $1`, uri)
	return mapError(err)
}

func (q *Queries) DeleteGenericRecord(ctx context.Context, uri, collection string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM generic_records WHERE uri = $1 AND collection = $2`, uri, collection)
	return mapError(err)
}
