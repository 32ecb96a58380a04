// Package capture intercepts document mutations and records change events in
// the same two-phase shape as the write itself: events are journaled not-ready
// while a mutation stages, exposed on commit, and discarded on abort.
package capture

import (
	"context"
	"sort"
	"time"

	"github.com/louisbranch/proxyfeed/internal/diffpatch"
	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/id"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/platform/requestctx"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// MetadataFunc supplies capture-time annotations from the request context and
// the images of the mutation being journaled. It must not mutate the images.
type MetadataFunc func(ctx context.Context, before, after map[string]any) map[string]any

// TransformFunc reshapes an image before it is journaled, e.g. to redact
// sensitive fields or render derived ones. It must not mutate its input.
type TransformFunc func(source string, image map[string]any) map[string]any

// CommitHookFunc runs after staged document writes land and before their
// events become visible. A failing hook suppresses the captured events.
type CommitHookFunc func(ctx context.Context, events []event.ChangeEvent) error

// Interceptor builds mutations over tracked collections.
type Interceptor struct {
	docs   storage.DocumentStore
	events storage.EventStore
	// tracked maps collection name to the source tag used in event names.
	tracked    map[string]string
	newID      func() string
	now        func() time.Time
	metadata   MetadataFunc
	transform  TransformFunc
	commitHook CommitHookFunc
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithMetadata sets the capture-time metadata source.
func WithMetadata(fn MetadataFunc) Option {
	return func(i *Interceptor) { i.metadata = fn }
}

// WithTransform sets the image transform applied before journaling.
func WithTransform(fn TransformFunc) Option {
	return func(i *Interceptor) { i.transform = fn }
}

// WithCommitHook sets the hook run between document writes and event release.
func WithCommitHook(fn CommitHookFunc) Option {
	return func(i *Interceptor) { i.commitHook = fn }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// New returns an Interceptor capturing changes on the tracked collections.
// The tracked map keys are collection names, values the source tags used to
// synthesize event names.
func New(docs storage.DocumentStore, events storage.EventStore, tracked map[string]string, opts ...Option) *Interceptor {
	interceptor := &Interceptor{
		docs:    docs,
		events:  events,
		tracked: tracked,
		newID:   id.New,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(interceptor)
	}
	return interceptor
}

type docOpKind int

const (
	opPut docOpKind = iota
	opDelete
)

type docOp struct {
	kind       docOpKind
	collection string
	docID      string
	doc        map[string]any
}

// Mutation stages document writes and their captured events until Commit.
type Mutation struct {
	interceptor *Interceptor
	tenantID    string
	bypass      bool
	ops         []docOp
	// overlay exposes staged writes to later reads within the mutation.
	overlay map[string]map[string]any
	events  []event.ChangeEvent
	closed  bool
}

// Begin opens a mutation bound to the request's tenant. A tenant-bypass
// context stages writes without capturing events.
func (i *Interceptor) Begin(ctx context.Context) (*Mutation, error) {
	if i == nil || i.docs == nil || i.events == nil {
		return nil, errors.New(errors.CodeUnknown, "capture interceptor is not configured")
	}
	bypass := requestctx.TenantBypassFromContext(ctx)
	tenantID := requestctx.TenantIDFromContext(ctx)
	if tenantID == "" {
		return nil, errors.New(errors.CodeCaptureMissingTenant, "mutation requires a tenant")
	}
	return &Mutation{
		interceptor: i,
		tenantID:    tenantID,
		bypass:      bypass,
		overlay:     make(map[string]map[string]any),
	}, nil
}

func (m *Mutation) check() error {
	if m == nil || m.interceptor == nil {
		return errors.New(errors.CodeCaptureHandleUnknown, "mutation handle is not open")
	}
	if m.closed {
		return errors.New(errors.CodeCaptureHandleUnknown, "mutation handle already finished")
	}
	return nil
}

// Create stages a new document.
func (m *Mutation) Create(ctx context.Context, collection, docID string, doc map[string]any) error {
	if err := m.check(); err != nil {
		return err
	}
	after := diffpatch.DeepCopy(doc).(map[string]any)
	m.stagePut(collection, docID, after)
	return m.capture(ctx, collection, docID, nil, after)
}

// Insert stages a batch of new documents. Each document captures its own
// event; the batch shares the mutation's commit boundary.
func (m *Mutation) Insert(ctx context.Context, collection string, docs map[string]map[string]any) error {
	if err := m.check(); err != nil {
		return err
	}
	ids := make([]string, 0, len(docs))
	for docID := range docs {
		ids = append(ids, docID)
	}
	sort.Strings(ids)
	for _, docID := range ids {
		if err := m.Create(ctx, collection, docID, docs[docID]); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOne loads the current document, applies an operator-style update, and
// stages the result.
func (m *Mutation) UpdateOne(ctx context.Context, collection, docID string, update map[string]any) error {
	if err := m.check(); err != nil {
		return err
	}
	before, err := m.load(ctx, collection, docID)
	if err != nil {
		return err
	}
	after := diffpatch.ApplyUpdate(before, update, diffpatch.Options{Now: m.interceptor.now})
	m.stagePut(collection, docID, after)
	return m.capture(ctx, collection, docID, before, after)
}

// Delete stages removal of one document.
func (m *Mutation) Delete(ctx context.Context, collection, docID string) error {
	if err := m.check(); err != nil {
		return err
	}
	before, err := m.load(ctx, collection, docID)
	if err != nil {
		return err
	}
	m.stageDelete(collection, docID)
	return m.capture(ctx, collection, docID, before, nil)
}

// DeleteMany stages removal of multiple documents.
func (m *Mutation) DeleteMany(ctx context.Context, collection string, docIDs []string) error {
	for _, docID := range docIDs {
		if err := m.Delete(ctx, collection, docID); err != nil {
			return err
		}
	}
	return nil
}

// Commit applies staged document writes, runs the commit hook, and releases
// the captured events. Any failure suppresses the events: they are deleted,
// never flipped ready.
func (m *Mutation) Commit(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	m.closed = true

	if err := m.applyDocs(ctx); err != nil {
		m.discardEvents(ctx)
		return err
	}
	if hook := m.interceptor.commitHook; hook != nil {
		if err := hook(ctx, m.events); err != nil {
			m.discardEvents(ctx)
			return errors.Wrap(errors.CodeStoreFailed, "commit hook failed", err)
		}
	}
	ids := make([]string, 0, len(m.events))
	for _, evt := range m.events {
		ids = append(ids, evt.ID)
	}
	if err := m.interceptor.events.MarkEventsReady(ctx, ids); err != nil {
		return errors.Wrap(errors.CodeStoreFailed, "release captured events", err)
	}
	return nil
}

// Abort discards the mutation and its captured events.
func (m *Mutation) Abort(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	m.closed = true
	m.discardEvents(ctx)
	return nil
}

// PendingEventIDs lists the events this mutation has journaled so far.
func (m *Mutation) PendingEventIDs() []string {
	ids := make([]string, 0, len(m.events))
	for _, evt := range m.events {
		ids = append(ids, evt.ID)
	}
	return ids
}

func (m *Mutation) applyDocs(ctx context.Context) error {
	for _, op := range m.ops {
		var err error
		switch op.kind {
		case opPut:
			err = m.interceptor.docs.PutDocument(ctx, m.tenantID, op.collection, op.docID, op.doc)
		case opDelete:
			err = m.interceptor.docs.DeleteDocument(ctx, m.tenantID, op.collection, op.docID)
		}
		if err != nil {
			return errors.Wrap(errors.CodeStoreFailed, "apply staged write", err)
		}
	}
	return nil
}

func (m *Mutation) discardEvents(ctx context.Context) {
	if len(m.events) == 0 {
		return
	}
	ids := make([]string, 0, len(m.events))
	for _, evt := range m.events {
		ids = append(ids, evt.ID)
	}
	// Best effort: a leftover not-ready row never reaches consumers anyway.
	_ = m.interceptor.events.DeleteEvents(ctx, ids)
}

// load reads a document through the mutation's staged overlay.
func (m *Mutation) load(ctx context.Context, collection, docID string) (map[string]any, error) {
	if staged, ok := m.overlay[overlayKey(collection, docID)]; ok {
		if staged == nil {
			return nil, errors.Wrap(errors.CodeCaptureBeforeImageGone, "document deleted earlier in this mutation", storage.ErrNotFound)
		}
		return diffpatch.DeepCopy(staged).(map[string]any), nil
	}
	doc, err := m.interceptor.docs.GetDocument(ctx, m.tenantID, collection, docID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeCaptureBeforeImageGone, "load before image", err)
	}
	return doc, nil
}

func (m *Mutation) stagePut(collection, docID string, doc map[string]any) {
	m.ops = append(m.ops, docOp{kind: opPut, collection: collection, docID: docID, doc: doc})
	m.overlay[overlayKey(collection, docID)] = doc
}

func (m *Mutation) stageDelete(collection, docID string) {
	m.ops = append(m.ops, docOp{kind: opDelete, collection: collection, docID: docID})
	m.overlay[overlayKey(collection, docID)] = nil
}

// capture journals one not-ready change event for a staged write. Untracked
// collections, bypass mutations, and no-op updates capture nothing.
func (m *Mutation) capture(ctx context.Context, collection, docID string, before, after map[string]any) error {
	if m.bypass {
		return nil
	}
	source, tracked := m.interceptor.tracked[collection]
	if !tracked {
		return nil
	}
	// Only updates suppress no-ops. Creates and deletes always journal, even
	// for empty documents, so a deletion never vanishes downstream.
	if before != nil && after != nil && len(diffpatch.Diff(before, after)) == 0 {
		return nil
	}

	var metadata map[string]any
	if m.interceptor.metadata != nil {
		metadata = m.interceptor.metadata(ctx, before, after)
	}

	if transform := m.interceptor.transform; transform != nil {
		if before != nil {
			before = transform(source, before)
		}
		if after != nil {
			after = transform(source, after)
		}
	}

	now := m.interceptor.now()
	evt := event.ChangeEvent{
		ID:             m.interceptor.newID(),
		Source:         source,
		SourceDocID:    docID,
		PreviousValues: before,
		CurrentValues:  after,
		TenantID:       m.tenantID,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.interceptor.events.AppendEvent(ctx, evt); err != nil {
		return errors.Wrap(errors.CodeStoreFailed, "journal change event", err)
	}
	m.events = append(m.events, evt)
	return nil
}

func overlayKey(collection, docID string) string {
	return collection + "/" + docID
}
