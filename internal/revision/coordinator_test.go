package revision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"docvault/internal/sharelink"
	"docvault/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	docs      map[string]*storedDoc
	saveErr   error
	saveCalls int
}

type storedDoc struct {
	content   []byte
	revisions []store.Revision
	cursor    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*storedDoc)}
}

func (f *fakeStore) seed(id string, contents ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &storedDoc{}
	for i, content := range contents {
		doc.revisions = append(doc.revisions, store.Revision{DocumentID: id, Index: i, Content: []byte(content)})
	}
	if len(contents) > 0 {
		doc.cursor = len(contents) - 1
		doc.content = []byte(contents[len(contents)-1])
	}
	f.docs[id] = doc
}

func (f *fakeStore) LoadDocument(_ context.Context, id string) (store.Document, []store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return store.Document{}, nil, sql.ErrNoRows
	}
	revisions := append([]store.Revision(nil), doc.revisions...)
	return store.Document{ID: id, Content: doc.content, CurrentHistoryIndex: doc.cursor}, revisions, nil
}

func (f *fakeStore) SaveDocument(_ context.Context, id string, content []byte, history []store.Revision, cursor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.content = append([]byte(nil), content...)
	doc.revisions = append([]store.Revision(nil), history...)
	doc.cursor = cursor
	return nil
}

type fakeAuthority struct {
	perms   map[string]sharelink.Permissions
	actions []string
}

func (f *fakeAuthority) PermissionsOf(_ context.Context, token string) sharelink.Permissions {
	return f.perms[token]
}

func (f *fakeAuthority) RecordAccess(_ context.Context, documentID, actorID, action string) {
	f.actions = append(f.actions, action)
}

type fakeHub struct {
	mu        sync.Mutex
	published []hubEvent
}

type hubEvent struct {
	documentID string
	origin     string
	content    []byte
}

func (f *fakeHub) PublishChange(documentID, origin string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, hubEvent{documentID, origin, content})
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

const (
	writerToken = "writer-token"
	readerToken = "reader-token"
)

func newTestCoordinator(fs *fakeStore) (*Coordinator, *fakeAuthority, *fakeHub) {
	authority := &fakeAuthority{perms: map[string]sharelink.Permissions{
		writerToken: {Read: true, Write: true, Download: true},
		readerToken: {Read: true},
	}}
	h := &fakeHub{}
	return New(fs, authority, h), authority, h
}

func TestApplyMutationAppendsPersistsBroadcasts(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "v0")
	c, authority, h := newTestCoordinator(fs)
	ctx := context.Background()

	index, err := c.ApplyMutation(ctx, "doc-1", writerToken, "avery", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	content, err := c.Current(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), content)

	assert.Equal(t, []byte("v1"), fs.docs["doc-1"].content)
	assert.Equal(t, 1, fs.docs["doc-1"].cursor)
	assert.Len(t, fs.docs["doc-1"].revisions, 2)

	require.Equal(t, 1, h.count())
	assert.Equal(t, "avery", h.published[0].origin)
	assert.Equal(t, []string{"mutated"}, authority.actions)
}

func TestApplyMutationForbiddenLeavesLedgerUntouched(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "v0")
	c, _, h := newTestCoordinator(fs)
	ctx := context.Background()

	_, err := c.ApplyMutation(ctx, "doc-1", readerToken, "mallory", []byte("evil"))
	assert.ErrorIs(t, err, ErrForbidden)

	// No partial append, no persistence, no broadcast.
	cursor, length, err := c.Cursor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, cursor)
	assert.Equal(t, 1, length)
	assert.Equal(t, 0, h.count())
	assert.Equal(t, 0, fs.saveCalls)
}

func TestApplyMutationUnknownDocument(t *testing.T) {
	fs := newFakeStore()
	c, _, _ := newTestCoordinator(fs)

	_, err := c.ApplyMutation(context.Background(), "doc-missing", writerToken, "avery", []byte("v1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistenceFailureAbortsAndResyncs(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "v0")
	c, _, h := newTestCoordinator(fs)
	ctx := context.Background()

	fs.saveErr = errors.New("disk full")
	_, err := c.ApplyMutation(ctx, "doc-1", writerToken, "avery", []byte("v1"))
	assert.ErrorIs(t, err, ErrPersistence)
	// Nothing is broadcast when persistence fails.
	assert.Equal(t, 0, h.count())

	// The next mutation resyncs from the store: the failed revision is
	// gone and the new write lands at index 1 on top of v0.
	fs.saveErr = nil
	index, err := c.ApplyMutation(ctx, "doc-1", writerToken, "avery", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, [][]byte{[]byte("v0"), []byte("v2")}, [][]byte{
		fs.docs["doc-1"].revisions[0].Content,
		fs.docs["doc-1"].revisions[1].Content,
	})
}

func TestStoreTimeoutIsDistinguishable(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "v0")
	c, _, _ := newTestCoordinator(fs)

	fs.saveErr = context.DeadlineExceeded
	_, err := c.ApplyMutation(context.Background(), "doc-1", writerToken, "avery", []byte("v1"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrPersistence)
}

func TestUndoRedoSaturateAndPersistCursor(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "A", "B", "C")
	c, _, h := newTestCoordinator(fs)
	ctx := context.Background()

	content, index, err := c.Undo(ctx, "doc-1", writerToken, "avery")
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), content)
	assert.Equal(t, 1, index)
	assert.Equal(t, 1, fs.docs["doc-1"].cursor)
	assert.Equal(t, 1, h.count())

	content, index, err = c.Undo(ctx, "doc-1", writerToken, "avery")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), content)
	assert.Equal(t, 0, index)

	// Saturated undo: no cursor move, no extra persist or broadcast.
	saves := fs.saveCalls
	publishes := h.count()
	content, index, err = c.Undo(ctx, "doc-1", writerToken, "avery")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), content)
	assert.Equal(t, 0, index)
	assert.Equal(t, saves, fs.saveCalls)
	assert.Equal(t, publishes, h.count())

	content, index, err = c.Redo(ctx, "doc-1", writerToken, "avery")
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), content)
	assert.Equal(t, 1, index)
}

func TestAppendAfterUndoDiscardsRedoBranchInStore(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "A", "B", "C")
	c, _, _ := newTestCoordinator(fs)
	ctx := context.Background()

	_, index, err := c.Undo(ctx, "doc-1", writerToken, "avery")
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	index, err = c.ApplyMutation(ctx, "doc-1", writerToken, "avery", []byte("D"))
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	doc := fs.docs["doc-1"]
	require.Len(t, doc.revisions, 3)
	assert.Equal(t, []byte("D"), doc.revisions[2].Content)
	assert.Equal(t, 2, doc.cursor)
}

func TestUndoRequiresWritePermission(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "A", "B")
	c, _, _ := newTestCoordinator(fs)

	_, _, err := c.Undo(context.Background(), "doc-1", readerToken, "reader")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestConcurrentMutationsSerializePerDocument(t *testing.T) {
	fs := newFakeStore()
	fs.seed("doc-1", "v0")
	c, _, _ := newTestCoordinator(fs)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for n := 0; n < writers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.ApplyMutation(ctx, "doc-1", writerToken, fmt.Sprintf("w%d", n), []byte(fmt.Sprintf("rev-%d", n)))
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	// One-at-a-time application: every write landed, no lost updates.
	cursor, length, err := c.Cursor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, writers+1, length)
	assert.Equal(t, writers, cursor)
	assert.Len(t, fs.docs["doc-1"].revisions, writers+1)
}
