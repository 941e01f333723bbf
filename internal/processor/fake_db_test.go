package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dollspace-gay/PublicAppView/internal/store"
)

// fakeDB is an in-memory stand-in for the Postgres gateway. It mirrors
// the store's contract: insert-or-ignore on URI, ErrMissingDependency
// on absent foreign rows, ErrNotFound on empty lookups.
type fakeDB struct {
	mu sync.Mutex

	users     map[string]*fakeUser
	posts     map[string]*fakePost
	likes     map[string]fakeRef
	reposts   map[string]fakeRef
	bookmarks map[string]fakeRef
	follows   map[string]fakeEdge
	blocks    map[string]fakeEdge
	lists     map[string]string            // uri -> name
	listItems map[string]string            // uri -> list uri
	generic   map[string]string            // uri -> collection
	labelRows map[string]store.ApplyLabelParams
	counts    map[string]map[store.PostCounter]int64
	viewer    map[string]*fakeViewerState // post|viewer
	notifs    []store.CreateNotificationParams
	feedItems map[string]store.CreateFeedItemParams
	quotes    map[string]string
	threads   map[string]store.CreateThreadContextParams
	cursors   map[string]int64
}

type fakeUser struct {
	handle     string
	status     string
	incomplete bool
	forbidden  bool
}

type fakePost struct {
	author    string
	parentURI string
	text      string
}

type fakeRef struct {
	author  string
	postURI string
}

type fakeEdge struct {
	author  string
	subject string
}

type fakeViewerState struct {
	likeURI    string
	repostURI  string
	bookmarked bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users:     map[string]*fakeUser{},
		posts:     map[string]*fakePost{},
		likes:     map[string]fakeRef{},
		reposts:   map[string]fakeRef{},
		bookmarks: map[string]fakeRef{},
		follows:   map[string]fakeEdge{},
		blocks:    map[string]fakeEdge{},
		lists:     map[string]string{},
		listItems: map[string]string{},
		generic:   map[string]string{},
		labelRows: map[string]store.ApplyLabelParams{},
		counts:    map[string]map[store.PostCounter]int64{},
		viewer:    map[string]*fakeViewerState{},
		feedItems: map[string]store.CreateFeedItemParams{},
		quotes:    map[string]string{},
		threads:   map[string]store.CreateThreadContextParams{},
		cursors:   map[string]int64{},
	}
}

func (f *fakeDB) WithTx(ctx context.Context, fn func(q store.Querier) error) error {
	return fn(f)
}

func (f *fakeDB) count(post string, c store.PostCounter) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[post][c]
}

func (f *fakeDB) viewerState(post, viewer string) *fakeViewerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewer[post+"|"+viewer]
}

// --- users ---------------------------------------------------------------

func (f *fakeDB) EnsureUser(_ context.Context, did, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[did]; ok {
		return false, nil
	}
	f.users[did] = &fakeUser{handle: handle}
	return true, nil
}

func (f *fakeDB) UpdateUserHandle(_ context.Context, did, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[did]; ok {
		u.handle = handle
	}
	return nil
}

func (f *fakeDB) SetUserStatus(_ context.Context, did, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[did]; ok {
		u.status = status
	}
	return nil
}

func (f *fakeDB) SetUserIncomplete(_ context.Context, did string, incomplete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[did]; ok {
		u.incomplete = incomplete
	}
	return nil
}

func (f *fakeDB) UpsertProfile(_ context.Context, arg store.UpsertProfileParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[arg.DID]; !ok {
		f.users[arg.DID] = &fakeUser{handle: "handle.invalid"}
	}
	return nil
}

func (f *fakeDB) GetUserDIDByHandle(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dids []string
	for did, u := range f.users {
		if u.handle == handle {
			dids = append(dids, did)
		}
	}
	if len(dids) == 0 {
		return "", store.ErrNotFound
	}
	sort.Strings(dids)
	return dids[0], nil
}

func (f *fakeDB) GetUserHandle(_ context.Context, did string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[did]; ok {
		return u.handle, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeDB) DataCollectionForbidden(_ context.Context, did string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[did]; ok {
		return u.forbidden, nil
	}
	return false, nil
}

// --- records -------------------------------------------------------------

func (f *fakeDB) CreatePost(_ context.Context, arg store.CreatePostParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[arg.AuthorDID]; !ok {
		return false, store.ErrMissingDependency
	}
	if _, ok := f.posts[arg.URI]; ok {
		return false, nil
	}
	f.posts[arg.URI] = &fakePost{author: arg.AuthorDID, parentURI: arg.ParentURI, text: arg.Text}
	return true, nil
}

func (f *fakeDB) createRef(m map[string]fakeRef, arg store.CreateSubjectRefParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[arg.PostURI]; !ok {
		return false, store.ErrMissingDependency
	}
	if _, ok := m[arg.URI]; ok {
		return false, nil
	}
	m[arg.URI] = fakeRef{author: arg.AuthorDID, postURI: arg.PostURI}
	return true, nil
}

func (f *fakeDB) CreateLike(ctx context.Context, arg store.CreateSubjectRefParams) (bool, error) {
	return f.createRef(f.likes, arg)
}

func (f *fakeDB) CreateRepost(ctx context.Context, arg store.CreateSubjectRefParams) (bool, error) {
	return f.createRef(f.reposts, arg)
}

func (f *fakeDB) CreateBookmark(ctx context.Context, arg store.CreateSubjectRefParams) (bool, error) {
	return f.createRef(f.bookmarks, arg)
}

func (f *fakeDB) createEdge(m map[string]fakeEdge, arg store.CreateGraphParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[arg.SubjectDID]; !ok {
		return false, store.ErrMissingDependency
	}
	if _, ok := m[arg.URI]; ok {
		return false, nil
	}
	m[arg.URI] = fakeEdge{author: arg.AuthorDID, subject: arg.SubjectDID}
	return true, nil
}

func (f *fakeDB) CreateFollow(ctx context.Context, arg store.CreateGraphParams) (bool, error) {
	return f.createEdge(f.follows, arg)
}

func (f *fakeDB) CreateBlock(ctx context.Context, arg store.CreateGraphParams) (bool, error) {
	return f.createEdge(f.blocks, arg)
}

func (f *fakeDB) CreateList(_ context.Context, arg store.CreateListParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[arg.URI]; ok {
		return false, nil
	}
	f.lists[arg.URI] = arg.Name
	return true, nil
}

func (f *fakeDB) CreateListItem(_ context.Context, arg store.CreateListItemParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[arg.ListURI]; !ok {
		return false, store.ErrMissingDependency
	}
	if _, ok := f.listItems[arg.URI]; ok {
		return false, nil
	}
	f.listItems[arg.URI] = arg.ListURI
	return true, nil
}

func (f *fakeDB) CreateFeedGenerator(_ context.Context, arg store.CreateFeedGeneratorParams) (bool, error) {
	return f.createGenericURI(arg.URI, "feed_generator")
}

func (f *fakeDB) CreateStarterPack(_ context.Context, arg store.CreateStarterPackParams) (bool, error) {
	return f.createGenericURI(arg.URI, "starter_pack")
}

func (f *fakeDB) CreateLabelerService(_ context.Context, arg store.CreateLabelerServiceParams) (bool, error) {
	return f.createGenericURI(arg.URI, "labeler_service")
}

func (f *fakeDB) CreateVerification(_ context.Context, arg store.CreateVerificationParams) (bool, error) {
	return f.createGenericURI(arg.URI, "verification")
}

func (f *fakeDB) CreateGenericRecord(_ context.Context, arg store.CreateGenericRecordParams) (bool, error) {
	return f.createGenericURI(arg.URI, arg.Collection)
}

func (f *fakeDB) createGenericURI(uri, collection string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.generic[uri]; ok {
		return false, nil
	}
	f.generic[uri] = collection
	return true, nil
}

func (f *fakeDB) ApplyLabel(_ context.Context, arg store.ApplyLabelParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Highest timestamp wins per key; negations are kept as rows just
	// like the real table.
	key := arg.Src + "|" + arg.Subject + "|" + arg.Val
	if existing, ok := f.labelRows[key]; ok && existing.CreatedAt.After(arg.CreatedAt) {
		return nil
	}
	f.labelRows[key] = arg
	return nil
}

func (f *fakeDB) ActiveLabels(_ context.Context, src, subject string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var vals []string
	for _, row := range f.labelRows {
		if row.Src == src && row.Subject == subject && !row.Neg {
			vals = append(vals, row.Val)
		}
	}
	sort.Strings(vals)
	return vals, nil
}

// --- deletes -------------------------------------------------------------

func (f *fakeDB) DeletePost(_ context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[uri]
	if !ok {
		return "", store.ErrNotFound
	}
	delete(f.posts, uri)
	return post.parentURI, nil
}

func (f *fakeDB) deleteRef(m map[string]fakeRef, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := m[uri]
	if !ok {
		return "", store.ErrNotFound
	}
	delete(m, uri)
	return ref.postURI, nil
}

func (f *fakeDB) DeleteLike(ctx context.Context, uri string) (string, error) {
	return f.deleteRef(f.likes, uri)
}

func (f *fakeDB) DeleteRepost(ctx context.Context, uri string) (string, error) {
	return f.deleteRef(f.reposts, uri)
}

func (f *fakeDB) DeleteBookmark(ctx context.Context, uri string) (string, error) {
	return f.deleteRef(f.bookmarks, uri)
}

func (f *fakeDB) DeleteFollow(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.follows, uri)
	return nil
}

func (f *fakeDB) DeleteBlock(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocks, uri)
	return nil
}

func (f *fakeDB) DeleteList(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, uri)
	return nil
}

func (f *fakeDB) DeleteListItem(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listItems, uri)
	return nil
}

func (f *fakeDB) DeleteGenericRecord(_ context.Context, uri, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.generic, uri)
	return nil
}

// --- derived state -------------------------------------------------------

func (f *fakeDB) AdjustPostCount(_ context.Context, postURI string, counter store.PostCounter, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delta >= 0 {
		if _, ok := f.posts[postURI]; !ok {
			return store.ErrMissingDependency
		}
		if f.counts[postURI] == nil {
			f.counts[postURI] = map[store.PostCounter]int64{}
		}
		f.counts[postURI][counter] += int64(delta)
		return nil
	}
	if m := f.counts[postURI]; m != nil {
		m[counter] += int64(delta)
		if m[counter] < 0 {
			m[counter] = 0
		}
	}
	return nil
}

func (f *fakeDB) viewerRow(post, viewer string) *fakeViewerState {
	key := post + "|" + viewer
	if f.viewer[key] == nil {
		f.viewer[key] = &fakeViewerState{}
	}
	return f.viewer[key]
}

func (f *fakeDB) UpsertViewerLike(_ context.Context, postURI, viewerDID, likeURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewerRow(postURI, viewerDID).likeURI = likeURI
	return nil
}

func (f *fakeDB) UpsertViewerRepost(_ context.Context, postURI, viewerDID, repostURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewerRow(postURI, viewerDID).repostURI = repostURI
	return nil
}

func (f *fakeDB) SetViewerBookmarked(_ context.Context, postURI, viewerDID string, bookmarked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewerRow(postURI, viewerDID).bookmarked = bookmarked
	return nil
}

func (f *fakeDB) ClearViewerLike(_ context.Context, postURI, viewerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vs := f.viewer[postURI+"|"+viewerDID]; vs != nil {
		vs.likeURI = ""
	}
	return nil
}

func (f *fakeDB) ClearViewerRepost(_ context.Context, postURI, viewerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vs := f.viewer[postURI+"|"+viewerDID]; vs != nil {
		vs.repostURI = ""
	}
	return nil
}

func (f *fakeDB) CreateNotification(_ context.Context, arg store.CreateNotificationParams) error {
	if arg.RecipientDID == arg.AuthorDID {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, arg)
	return nil
}

func (f *fakeDB) CreateThreadContext(_ context.Context, arg store.CreateThreadContextParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[arg.PostURI]; !ok {
		f.threads[arg.PostURI] = arg
	}
	return nil
}

func (f *fakeDB) CreateQuote(_ context.Context, quotingURI, subjectURI string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.quotes[quotingURI]; ok {
		return false, nil
	}
	f.quotes[quotingURI] = subjectURI
	return true, nil
}

func (f *fakeDB) CreateFeedItem(_ context.Context, arg store.CreateFeedItemParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feedItems[arg.URI]; ok {
		return false, nil
	}
	f.feedItems[arg.URI] = arg
	return true, nil
}

func (f *fakeDB) DeleteFeedItem(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.feedItems, uri)
	return nil
}

func (f *fakeDB) GetPostAuthor(_ context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if post, ok := f.posts[uri]; ok {
		return post.author, nil
	}
	return "", store.ErrNotFound
}

// --- cursor --------------------------------------------------------------

func (f *fakeDB) SaveCursor(_ context.Context, service string, cursor int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor > f.cursors[service] {
		f.cursors[service] = cursor
	}
	return nil
}

func (f *fakeDB) LoadCursor(_ context.Context, service string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[service], nil
}

var _ DB = (*fakeDB)(nil)
