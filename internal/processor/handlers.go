package processor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/atutil"
	"github.com/dollspace-gay/PublicAppView/internal/firehose"
	"github.com/dollspace-gay/PublicAppView/internal/labels"
	"github.com/dollspace-gay/PublicAppView/internal/store"
)

func parseURI(uri string) (atutil.ATURI, error) {
	return atutil.ParseATURI(uri)
}

// applyOp executes one commit op with the error policy of the
// pipeline: duplicates are success, missing dependencies are deferred
// by the handler that detected them, everything else is logged and the
// stream keeps moving.
func (p *Processor) applyOp(ctx context.Context, repo string, op firehose.Op) {
	var err error
	switch op.Action {
	case firehose.ActionCreate, firehose.ActionUpdate:
		err = p.routeCreate(ctx, repo, op)
	case firehose.ActionDelete:
		err = p.routeDelete(ctx, repo, op)
	default:
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicate):
	case errors.Is(err, store.ErrMissingDependency):
		// Already enqueued by the handler that hit it.
		p.log.Debug("op deferred on missing dependency",
			zap.String("uri", op.URI),
			zap.String("collection", op.Collection),
		)
	case errors.Is(err, store.ErrNotFound):
	default:
		p.log.Error("failed to apply op",
			zap.String("uri", op.URI),
			zap.String("action", string(op.Action)),
			zap.Error(err),
		)
	}
}

// routeCreate dispatches a create/update by the record's $type tag,
// falling back to the collection for records without one.
func (p *Processor) routeCreate(ctx context.Context, repo string, op firehose.Op) error {
	kind := recordType(op.Record)
	if kind == "" {
		kind = op.Collection
	}

	// The author row precedes anything that references it. A transient
	// failure here queues the raw op for replay after the next
	// successful creation of this subject.
	if err := p.ensureUser(ctx, repo); err != nil {
		if p.pendingUserCreation.enqueue(repo, repo, op) {
			p.metrics.PendingQueued.Add(ctx, 1)
		}
		return err
	}

	switch kind {
	case collectionPost:
		return p.createPost(ctx, repo, op)
	case collectionLike:
		return p.createLike(ctx, repo, op)
	case collectionRepost:
		return p.createRepost(ctx, repo, op)
	case collectionBookmark:
		return p.createBookmark(ctx, repo, op)
	case collectionFollow:
		return p.createFollow(ctx, repo, op)
	case collectionBlock:
		return p.createBlock(ctx, repo, op)
	case collectionList:
		return p.createList(ctx, repo, op)
	case collectionListItem:
		return p.createListItem(ctx, repo, op)
	case collectionFeedGen:
		return p.createFeedGenerator(ctx, repo, op)
	case collectionStarterPack:
		return p.createStarterPack(ctx, repo, op)
	case collectionLabeler:
		return p.createLabelerService(ctx, repo, op)
	case collectionVerification:
		return p.createVerification(ctx, repo, op)
	case collectionProfile:
		return p.upsertProfile(ctx, repo, op)
	default:
		if strings.HasPrefix(kind, collectionLabel) {
			return p.applyLabel(ctx, repo, op)
		}
		return p.createGeneric(ctx, repo, op)
	}
}

func (p *Processor) createPost(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	parentURI, rootURI := replyRefs(rec)
	when := createdAt(rec)

	var inserted bool
	err := p.db.WithTx(ctx, func(q store.Querier) error {
		var err error
		inserted, err = q.CreatePost(ctx, store.CreatePostParams{
			URI:        op.URI,
			CID:        op.CID,
			AuthorDID:  repo,
			Text:       getString(rec, "text"),
			ParentURI:  parentURI,
			RootURI:    rootURI,
			EmbedJSON:  marshalField(rec, "embed"),
			FacetsJSON: marshalField(rec, "facets"),
			Langs:      getStrings(rec, "langs"),
			CreatedAt:  when,
		})
		if err != nil || !inserted {
			return err
		}
		if _, err := q.CreateFeedItem(ctx, store.CreateFeedItemParams{
			URI: op.URI, PostURI: op.URI, AuthorDID: repo, Kind: "post", SortAt: when,
		}); err != nil {
			return err
		}
		if parentURI != "" {
			return q.CreateThreadContext(ctx, store.CreateThreadContextParams{
				PostURI: op.URI, RootURI: rootURI, ParentURI: parentURI,
			})
		}
		return nil
	})
	if err != nil || !inserted {
		return err
	}

	// Side effects against other posts run outside the transaction:
	// the referenced parent or quoted post may not exist, and its
	// absence must not take the post row down with it.
	if parentURI != "" {
		p.bumpCount(ctx, parentURI, store.CounterReply, 1)
		p.notifyPostAuthor(ctx, parentURI, repo, "reply", op.URI, when)
	}
	if quoted := quotedURI(rec); quoted != "" {
		if _, err := p.db.CreateQuote(ctx, op.URI, quoted, when); err == nil {
			p.bumpCount(ctx, quoted, store.CounterQuote, 1)
			p.notifyPostAuthor(ctx, quoted, repo, "quote", op.URI, when)
		}
	}
	p.notifyMentions(ctx, repo, op.URI, getString(rec, "text"), when)

	// The post's arrival unblocks likes and reposts that raced it.
	p.flushPendingOps(ctx, op.URI)
	return nil
}

// createSubjectRef is the shared path for likes, reposts, and
// bookmarks; hooks differentiate the derived state.
func (p *Processor) createLike(ctx context.Context, repo string, op firehose.Op) error {
	postURI, postCID := subjectRef(op.Record)
	if postURI == "" {
		return nil
	}
	when := createdAt(op.Record)

	var inserted bool
	err := p.db.WithTx(ctx, func(q store.Querier) error {
		var err error
		inserted, err = q.CreateLike(ctx, store.CreateSubjectRefParams{
			URI: op.URI, AuthorDID: repo, PostURI: postURI, PostCID: postCID, CreatedAt: when,
		})
		if err != nil || !inserted {
			return err
		}
		if err := q.AdjustPostCount(ctx, postURI, store.CounterLike, 1); err != nil {
			return err
		}
		return q.UpsertViewerLike(ctx, postURI, repo, op.URI)
	})
	if errors.Is(err, store.ErrMissingDependency) {
		p.enqueuePending(ctx, p.pendingOps, postURI, repo, op)
		return err
	}
	if err != nil || !inserted {
		return err
	}
	p.notifyPostAuthor(ctx, postURI, repo, "like", op.URI, when)
	return nil
}

func (p *Processor) createRepost(ctx context.Context, repo string, op firehose.Op) error {
	postURI, postCID := subjectRef(op.Record)
	if postURI == "" {
		return nil
	}
	when := createdAt(op.Record)

	var inserted bool
	err := p.db.WithTx(ctx, func(q store.Querier) error {
		var err error
		inserted, err = q.CreateRepost(ctx, store.CreateSubjectRefParams{
			URI: op.URI, AuthorDID: repo, PostURI: postURI, PostCID: postCID, CreatedAt: when,
		})
		if err != nil || !inserted {
			return err
		}
		if err := q.AdjustPostCount(ctx, postURI, store.CounterRepost, 1); err != nil {
			return err
		}
		if err := q.UpsertViewerRepost(ctx, postURI, repo, op.URI); err != nil {
			return err
		}
		_, err = q.CreateFeedItem(ctx, store.CreateFeedItemParams{
			URI: op.URI, PostURI: postURI, AuthorDID: repo, Kind: "repost", SortAt: when,
		})
		return err
	})
	if errors.Is(err, store.ErrMissingDependency) {
		p.enqueuePending(ctx, p.pendingOps, postURI, repo, op)
		return err
	}
	if err != nil || !inserted {
		return err
	}
	p.notifyPostAuthor(ctx, postURI, repo, "repost", op.URI, when)
	return nil
}

func (p *Processor) createBookmark(ctx context.Context, repo string, op firehose.Op) error {
	postURI, postCID := subjectRef(op.Record)
	if postURI == "" {
		return nil
	}
	err := p.db.WithTx(ctx, func(q store.Querier) error {
		inserted, err := q.CreateBookmark(ctx, store.CreateSubjectRefParams{
			URI: op.URI, AuthorDID: repo, PostURI: postURI, PostCID: postCID,
			CreatedAt: createdAt(op.Record),
		})
		if err != nil || !inserted {
			return err
		}
		if err := q.AdjustPostCount(ctx, postURI, store.CounterBookmark, 1); err != nil {
			return err
		}
		return q.SetViewerBookmarked(ctx, postURI, repo, true)
	})
	if errors.Is(err, store.ErrMissingDependency) {
		p.enqueuePending(ctx, p.pendingOps, postURI, repo, op)
	}
	return err
}

func (p *Processor) createFollow(ctx context.Context, repo string, op firehose.Op) error {
	subject := getString(op.Record, "subject")
	if subject == "" {
		return nil
	}
	when := createdAt(op.Record)

	inserted, err := p.db.CreateFollow(ctx, store.CreateGraphParams{
		URI: op.URI, AuthorDID: repo, SubjectDID: subject, CreatedAt: when,
	})
	if errors.Is(err, store.ErrMissingDependency) {
		p.enqueuePending(ctx, p.pendingUserOps, subject, repo, op)
		// Kick off the subject row, then drain the queue explicitly: the
		// subject may have been created by a racing op after our insert
		// failed, in which case ensureUser alone would not replay us.
		if uerr := p.ensureUser(ctx, subject); uerr != nil {
			p.log.Debug("subject creation failed", zap.String("did", subject), zap.Error(uerr))
		} else {
			p.FlushPendingUserOps(ctx, subject)
		}
		return err
	}
	if err != nil || !inserted {
		return err
	}
	return p.db.CreateNotification(ctx, store.CreateNotificationParams{
		RecipientDID: subject, AuthorDID: repo, Reason: "follow",
		SubjectURI: op.URI, CreatedAt: when,
	})
}

func (p *Processor) createBlock(ctx context.Context, repo string, op firehose.Op) error {
	subject := getString(op.Record, "subject")
	if subject == "" {
		return nil
	}
	inserted, err := p.db.CreateBlock(ctx, store.CreateGraphParams{
		URI: op.URI, AuthorDID: repo, SubjectDID: subject, CreatedAt: createdAt(op.Record),
	})
	if errors.Is(err, store.ErrMissingDependency) {
		p.enqueuePending(ctx, p.pendingUserOps, subject, repo, op)
		if uerr := p.ensureUser(ctx, subject); uerr != nil {
			p.log.Debug("subject creation failed", zap.String("did", subject), zap.Error(uerr))
		} else {
			p.FlushPendingUserOps(ctx, subject)
		}
		return err
	}
	_ = inserted
	return err
}

func (p *Processor) createList(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	inserted, err := p.db.CreateList(ctx, store.CreateListParams{
		URI:         op.URI,
		AuthorDID:   repo,
		Name:        getString(rec, "name"),
		Purpose:     getString(rec, "purpose"),
		Description: getString(rec, "description"),
		AvatarCID:   blobCID(rec, "avatar"),
		CreatedAt:   createdAt(rec),
	})
	if err != nil || !inserted {
		return err
	}
	p.flushPendingListItems(ctx, op.URI)
	return nil
}

func (p *Processor) createListItem(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	listURI := getString(rec, "list")
	if listURI == "" {
		return nil
	}
	_, err := p.db.CreateListItem(ctx, store.CreateListItemParams{
		URI:        op.URI,
		AuthorDID:  repo,
		ListURI:    listURI,
		SubjectDID: getString(rec, "subject"),
		CreatedAt:  createdAt(rec),
	})
	if errors.Is(err, store.ErrMissingDependency) {
		p.enqueuePending(ctx, p.pendingListItems, listURI, repo, op)
	}
	return err
}

func (p *Processor) createFeedGenerator(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	_, err := p.db.CreateFeedGenerator(ctx, store.CreateFeedGeneratorParams{
		URI:         op.URI,
		AuthorDID:   repo,
		ServiceDID:  getString(rec, "did"),
		DisplayName: getString(rec, "displayName"),
		Description: getString(rec, "description"),
		AvatarCID:   blobCID(rec, "avatar"),
		CreatedAt:   createdAt(rec),
	})
	return err
}

func (p *Processor) createStarterPack(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	_, err := p.db.CreateStarterPack(ctx, store.CreateStarterPackParams{
		URI:         op.URI,
		AuthorDID:   repo,
		Name:        getString(rec, "name"),
		ListURI:     getString(rec, "list"),
		Description: getString(rec, "description"),
		CreatedAt:   createdAt(rec),
	})
	return err
}

func (p *Processor) createLabelerService(ctx context.Context, repo string, op firehose.Op) error {
	_, err := p.db.CreateLabelerService(ctx, store.CreateLabelerServiceParams{
		URI:          op.URI,
		AuthorDID:    repo,
		PoliciesJSON: marshalField(op.Record, "policies"),
		CreatedAt:    createdAt(op.Record),
	})
	return err
}

func (p *Processor) createVerification(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	_, err := p.db.CreateVerification(ctx, store.CreateVerificationParams{
		URI:         op.URI,
		AuthorDID:   repo,
		SubjectDID:  getString(rec, "subject"),
		Handle:      getString(rec, "handle"),
		DisplayName: getString(rec, "displayName"),
		CreatedAt:   createdAt(rec),
	})
	return err
}

func (p *Processor) upsertProfile(ctx context.Context, repo string, op firehose.Op) error {
	rec := op.Record
	return p.db.UpsertProfile(ctx, store.UpsertProfileParams{
		DID:         repo,
		DisplayName: getString(rec, "displayName"),
		Description: getString(rec, "description"),
		AvatarCID:   blobCID(rec, "avatar"),
		BannerCID:   blobCID(rec, "banner"),
		ProfileJSON: marshalRecord(rec),
	})
}

// assertionFromOp extracts the label assertion carried by op. Records
// without a value are not assertions.
func assertionFromOp(repo string, op firehose.Op) (labels.Assertion, bool) {
	rec := op.Record
	a := labels.Assertion{
		URI:       op.URI,
		Src:       getString(rec, "src"),
		Subject:   getString(rec, "uri"),
		Val:       getString(rec, "val"),
		Neg:       getBool(rec, "neg"),
		CreatedAt: atutil.SafeDate(getString(rec, "cts")),
	}
	if a.Src == "" {
		a.Src = repo
	}
	if a.Subject == "" {
		a.Subject = getString(rec, "subject")
	}
	return a, a.Val != ""
}

func (p *Processor) applyAssertion(ctx context.Context, a labels.Assertion) error {
	return p.db.ApplyLabel(ctx, store.ApplyLabelParams{
		URI: a.URI, Src: a.Src, Subject: a.Subject, Val: a.Val,
		Neg: a.Neg, CreatedAt: a.CreatedAt,
	})
}

func (p *Processor) applyLabel(ctx context.Context, repo string, op firehose.Op) error {
	a, ok := assertionFromOp(repo, op)
	if !ok {
		return nil
	}
	return p.applyAssertion(ctx, a)
}

// applyLabelOps applies a commit's label ops as one batch, resolved to
// a single winner per key first so an assert and its own negation
// inside the same commit cannot race in the store.
func (p *Processor) applyLabelOps(ctx context.Context, repo string, ops []firehose.Op) {
	if err := p.ensureUser(ctx, repo); err != nil {
		for _, op := range ops {
			if p.pendingUserCreation.enqueue(repo, repo, op) {
				p.metrics.PendingQueued.Add(ctx, 1)
			}
		}
		return
	}

	assertions := make([]labels.Assertion, 0, len(ops))
	for _, op := range ops {
		if a, ok := assertionFromOp(repo, op); ok {
			assertions = append(assertions, a)
		}
	}
	for _, a := range labels.Resolve(assertions) {
		if err := p.applyAssertion(ctx, a); err != nil {
			p.log.Error("failed to apply label",
				zap.String("subject", a.Subject),
				zap.String("val", a.Val),
				zap.Error(err),
			)
		}
	}
}

// isLabelOp reports whether op carries a label assertion.
func isLabelOp(op firehose.Op) bool {
	if op.Action == firehose.ActionDelete {
		return false
	}
	kind := recordType(op.Record)
	if kind == "" {
		kind = op.Collection
	}
	return strings.HasPrefix(kind, collectionLabel)
}

func (p *Processor) createGeneric(ctx context.Context, repo string, op firehose.Op) error {
	_, err := p.db.CreateGenericRecord(ctx, store.CreateGenericRecordParams{
		URI:        op.URI,
		Collection: op.Collection,
		AuthorDID:  repo,
		RecordJSON: marshalRecord(op.Record),
		CreatedAt:  createdAt(op.Record),
	})
	return err
}

// routeDelete dispatches a delete by collection and applies the
// inverse derived-state adjustments.
func (p *Processor) routeDelete(ctx context.Context, repo string, op firehose.Op) error {
	switch op.Collection {
	case collectionPost:
		parentURI, err := p.db.DeletePost(ctx, op.URI)
		if err != nil {
			return err
		}
		if parentURI != "" {
			p.bumpCount(ctx, parentURI, store.CounterReply, -1)
		}
		return p.db.DeleteFeedItem(ctx, op.URI)
	case collectionLike:
		postURI, err := p.db.DeleteLike(ctx, op.URI)
		if err != nil {
			return err
		}
		p.bumpCount(ctx, postURI, store.CounterLike, -1)
		return p.db.ClearViewerLike(ctx, postURI, repo)
	case collectionRepost:
		postURI, err := p.db.DeleteRepost(ctx, op.URI)
		if err != nil {
			return err
		}
		p.bumpCount(ctx, postURI, store.CounterRepost, -1)
		if err := p.db.ClearViewerRepost(ctx, postURI, repo); err != nil {
			return err
		}
		return p.db.DeleteFeedItem(ctx, op.URI)
	case collectionBookmark:
		postURI, err := p.db.DeleteBookmark(ctx, op.URI)
		if err != nil {
			return err
		}
		p.bumpCount(ctx, postURI, store.CounterBookmark, -1)
		return p.db.SetViewerBookmarked(ctx, postURI, repo, false)
	case collectionFollow:
		return p.db.DeleteFollow(ctx, op.URI)
	case collectionBlock:
		return p.db.DeleteBlock(ctx, op.URI)
	case collectionList:
		return p.db.DeleteList(ctx, op.URI)
	case collectionListItem:
		return p.db.DeleteListItem(ctx, op.URI)
	case collectionProfile:
		// Profile deletes clear nothing; the subject row survives.
		return nil
	default:
		return p.db.DeleteGenericRecord(ctx, op.URI, op.Collection)
	}
}

// --- shared side effects -------------------------------------------------

func (p *Processor) enqueuePending(ctx context.Context, q *pendingQueue, key, repo string, op firehose.Op) {
	if q.enqueue(key, repo, op) {
		p.metrics.PendingQueued.Add(ctx, 1)
	}
}

func (p *Processor) flushPendingOps(ctx context.Context, postURI string) {
	pending := p.pendingOps.take(postURI)
	for _, entry := range pending {
		p.applyOp(ctx, entry.repo, entry.op)
	}
	if len(pending) > 0 {
		p.metrics.PendingFlushed.Add(ctx, int64(len(pending)))
	}
}

func (p *Processor) flushPendingListItems(ctx context.Context, listURI string) {
	pending := p.pendingListItems.take(listURI)
	for _, entry := range pending {
		p.applyOp(ctx, entry.repo, entry.op)
	}
	if len(pending) > 0 {
		p.metrics.PendingFlushed.Add(ctx, int64(len(pending)))
	}
}

// bumpCount adjusts an aggregation counter, tolerating a missing
// target post.
func (p *Processor) bumpCount(ctx context.Context, postURI string, counter store.PostCounter, delta int) {
	err := p.db.AdjustPostCount(ctx, postURI, counter, delta)
	if err != nil && !errors.Is(err, store.ErrMissingDependency) {
		p.log.Warn("failed to adjust post counter",
			zap.String("post", postURI),
			zap.String("counter", string(counter)),
			zap.Error(err),
		)
	}
}

// notifyPostAuthor notifies the author of postURI, skipping
// self-interactions and posts this store has never seen.
func (p *Processor) notifyPostAuthor(ctx context.Context, postURI, actorDID, reason, subjectURI string, when time.Time) {
	author, err := p.db.GetPostAuthor(ctx, postURI)
	if err != nil || author == "" || author == actorDID {
		return
	}
	if err := p.db.CreateNotification(ctx, store.CreateNotificationParams{
		RecipientDID: author, AuthorDID: actorDID, Reason: reason,
		SubjectURI: subjectURI, CreatedAt: when,
	}); err != nil {
		p.log.Warn("failed to create notification",
			zap.String("reason", reason),
			zap.String("post", postURI),
			zap.Error(err),
		)
	}
}

// notifyMentions resolves @handle mentions against locally known
// users and notifies each distinct mentioned subject.
func (p *Processor) notifyMentions(ctx context.Context, authorDID, postURI, text string, when time.Time) {
	for _, handle := range mentionHandles(text) {
		did, err := p.db.GetUserDIDByHandle(ctx, handle)
		if err != nil || did == "" || did == authorDID {
			continue
		}
		if err := p.db.CreateNotification(ctx, store.CreateNotificationParams{
			RecipientDID: did, AuthorDID: authorDID, Reason: "mention",
			SubjectURI: postURI, CreatedAt: when,
		}); err != nil {
			p.log.Warn("failed to create mention notification",
				zap.String("handle", handle),
				zap.Error(err),
			)
		}
	}
}
