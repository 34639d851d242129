// Package revision coordinates document mutations: every accepted write is
// authorized against the caller's share token, appended to the revision
// ledger, persisted, broadcast to live collaborators, and audited, in that
// order.
package revision

import (
	"context"
	"sync"

	"docvault/internal/history"
	"docvault/internal/sharelink"
	"docvault/internal/store"
)

// Store is the persistence collaborator.
type Store interface {
	LoadDocument(ctx context.Context, id string) (store.Document, []store.Revision, error)
	SaveDocument(ctx context.Context, id string, content []byte, history []store.Revision, cursor int) error
}

// Authority answers permission questions and records the access trail.
type Authority interface {
	PermissionsOf(ctx context.Context, token string) sharelink.Permissions
	RecordAccess(ctx context.Context, documentID, actorID, action string)
}

// Broadcaster fans a change out to the document's room.
type Broadcaster interface {
	PublishChange(documentID, origin string, content []byte)
}

// docState is the in-memory ledger for one document plus its write lock.
// dirty marks a ledger whose last persistence attempt failed; it is
// reloaded from the store before the next mutation so the in-memory cursor
// never silently runs ahead of the stored one.
type docState struct {
	mu     sync.Mutex
	ledger *history.Ledger
	dirty  bool
}

// Coordinator serializes mutations per document. Operations on different
// documents proceed fully in parallel.
type Coordinator struct {
	mu        sync.Mutex
	docs      map[string]*docState
	store     Store
	authority Authority
	hub       Broadcaster
}

func New(st Store, authority Authority, hub Broadcaster) *Coordinator {
	return &Coordinator{
		docs:      make(map[string]*docState),
		store:     st,
		authority: authority,
		hub:       hub,
	}
}

func (c *Coordinator) docFor(documentID string) *docState {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.docs[documentID]
	if d == nil {
		d = &docState{}
		c.docs[documentID] = d
	}
	return d
}

// Invalidate drops the cached ledger for a document. Called after external
// create/delete so the next operation reloads from the store.
func (c *Coordinator) Invalidate(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, documentID)
}

// ensureLoaded loads (or reloads, after a persistence failure) the ledger
// from the store. Caller holds d.mu.
func (c *Coordinator) ensureLoaded(ctx context.Context, documentID string, d *docState) error {
	if d.ledger != nil && !d.dirty {
		return nil
	}
	doc, revisions, err := c.store.LoadDocument(ctx, documentID)
	if err != nil {
		return classifyStoreError(err)
	}
	entries := make([]history.Entry, len(revisions))
	for i, rev := range revisions {
		entries[i] = history.Entry{
			Content:   rev.Content,
			Author:    rev.Author,
			Timestamp: rev.CreatedAt,
		}
	}
	d.ledger = history.FromEntries(entries, doc.CurrentHistoryIndex)
	d.dirty = false
	return nil
}

// persist writes the ledger state through the store. On failure the ledger
// is marked dirty; the in-memory append is not rolled back, the operation
// fails overall, and the next mutation resyncs from the store first.
func (c *Coordinator) persist(ctx context.Context, documentID string, d *docState, content []byte) error {
	entries := d.ledger.Entries()
	revisions := make([]store.Revision, len(entries))
	for i, entry := range entries {
		revisions[i] = store.Revision{
			DocumentID: documentID,
			Index:      i,
			Content:    entry.Content,
			Author:     entry.Author,
			CreatedAt:  entry.Timestamp,
		}
	}
	if err := c.store.SaveDocument(ctx, documentID, content, revisions, d.ledger.Cursor()); err != nil {
		d.dirty = true
		return classifyStoreError(err)
	}
	return nil
}

// ApplyMutation runs the full write path for one document mutation and
// returns the new revision index. A token without write permission fails
// with ErrForbidden before any other step runs.
func (c *Coordinator) ApplyMutation(ctx context.Context, documentID, callerToken, callerHandle string, newContent []byte) (int, error) {
	perms := c.authority.PermissionsOf(ctx, callerToken)
	if !perms.Write {
		return 0, ErrForbidden
	}

	d := c.docFor(documentID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.ensureLoaded(ctx, documentID, d); err != nil {
		return 0, err
	}

	index := d.ledger.Append(newContent, callerHandle)
	if err := c.persist(ctx, documentID, d, newContent); err != nil {
		return 0, err
	}

	c.hub.PublishChange(documentID, callerHandle, newContent)
	c.authority.RecordAccess(ctx, documentID, callerHandle, "mutated")
	return index, nil
}

// Undo moves the document's cursor back one revision and returns the
// content there. Saturates at the first revision; the cursor move (when
// any) is persisted and broadcast like a mutation.
func (c *Coordinator) Undo(ctx context.Context, documentID, callerToken, callerHandle string) ([]byte, int, error) {
	return c.moveCursor(ctx, documentID, callerToken, callerHandle, "undo")
}

// Redo moves the cursor forward one revision; saturates at the tail.
func (c *Coordinator) Redo(ctx context.Context, documentID, callerToken, callerHandle string) ([]byte, int, error) {
	return c.moveCursor(ctx, documentID, callerToken, callerHandle, "redo")
}

func (c *Coordinator) moveCursor(ctx context.Context, documentID, callerToken, callerHandle, action string) ([]byte, int, error) {
	perms := c.authority.PermissionsOf(ctx, callerToken)
	if !perms.Write {
		return nil, 0, ErrForbidden
	}

	d := c.docFor(documentID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.ensureLoaded(ctx, documentID, d); err != nil {
		return nil, 0, err
	}

	before := d.ledger.Cursor()
	var (
		content []byte
		index   int
		err     error
	)
	if action == "undo" {
		content, index, err = d.ledger.Undo()
	} else {
		content, index, err = d.ledger.Redo()
	}
	if err != nil {
		return nil, 0, ErrEmptyHistory
	}

	if index != before {
		if err := c.persist(ctx, documentID, d, content); err != nil {
			return nil, 0, err
		}
		c.hub.PublishChange(documentID, callerHandle, content)
	}
	c.authority.RecordAccess(ctx, documentID, callerHandle, action)
	return content, index, nil
}

// Current returns the content at the document's cursor.
func (c *Coordinator) Current(ctx context.Context, documentID string) ([]byte, error) {
	d := c.docFor(documentID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.ensureLoaded(ctx, documentID, d); err != nil {
		return nil, err
	}
	content, err := d.ledger.Current()
	if err != nil {
		return nil, ErrEmptyHistory
	}
	return content, nil
}

// Cursor returns the document's current history index and length.
func (c *Coordinator) Cursor(ctx context.Context, documentID string) (int, int, error) {
	d := c.docFor(documentID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.ensureLoaded(ctx, documentID, d); err != nil {
		return 0, 0, err
	}
	return d.ledger.Cursor(), d.ledger.Len(), nil
}
