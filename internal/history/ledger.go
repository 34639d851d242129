// Package history implements the per-document revision ledger: an
// append-only stack of content snapshots with a movable cursor.
package history

import (
	"errors"
	"sync"
	"time"
)

// ErrEmptyHistory is returned when reading from a ledger with no entries.
var ErrEmptyHistory = errors.New("history: empty")

// Entry is one immutable content snapshot.
type Entry struct {
	Content   []byte
	Author    string
	Timestamp time.Time
}

// Ledger holds the revision entries for a single document and the cursor
// pointing at the current one. Invariant: 0 <= cursor < len(entries)
// whenever the ledger is non-empty.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	cursor  int
}

func NewLedger() *Ledger {
	return &Ledger{cursor: -1}
}

// FromEntries rebuilds a ledger from persisted state. An out-of-range
// cursor is clamped into the valid window rather than rejected, so a
// partially written row still produces a usable ledger.
func FromEntries(entries []Entry, cursor int) *Ledger {
	copied := make([]Entry, len(entries))
	for i, entry := range entries {
		copied[i] = Entry{
			Content:   cloneContent(entry.Content),
			Author:    entry.Author,
			Timestamp: entry.Timestamp,
		}
	}
	if len(copied) == 0 {
		return NewLedger()
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(copied) {
		cursor = len(copied) - 1
	}
	return &Ledger{entries: copied, cursor: cursor}
}

// Append pushes a new entry and moves the cursor to it. Entries after the
// cursor (a redo branch left by prior undos) are discarded first; the
// ledger stays a single linear stack. Returns the new cursor index.
func (l *Ledger) Append(content []byte, author string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = l.entries[:l.cursor+1]
	l.entries = append(l.entries, Entry{
		Content:   cloneContent(content),
		Author:    author,
		Timestamp: time.Now(),
	})
	l.cursor = len(l.entries) - 1
	return l.cursor
}

// Undo moves the cursor back by one and returns the content there. At
// index 0 it saturates: the cursor stays put and the current content is
// returned unchanged. Only an empty ledger is an error.
func (l *Ledger) Undo() ([]byte, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return nil, -1, ErrEmptyHistory
	}
	if l.cursor > 0 {
		l.cursor--
	}
	return cloneContent(l.entries[l.cursor].Content), l.cursor, nil
}

// Redo moves the cursor forward by one; at the tail it saturates.
func (l *Ledger) Redo() ([]byte, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return nil, -1, ErrEmptyHistory
	}
	if l.cursor < len(l.entries)-1 {
		l.cursor++
	}
	return cloneContent(l.entries[l.cursor].Content), l.cursor, nil
}

// Current returns the content at the cursor.
func (l *Ledger) Current() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return nil, ErrEmptyHistory
	}
	return cloneContent(l.entries[l.cursor].Content), nil
}

// EntryAt returns the entry at a given index.
func (l *Ledger) EntryAt(index int) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.entries) {
		return Entry{}, ErrEmptyHistory
	}
	entry := l.entries[index]
	entry.Content = cloneContent(entry.Content)
	return entry, nil
}

// Cursor returns the current history index, or -1 for an empty ledger.
func (l *Ledger) Cursor() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a deep copy of the ledger for persistence.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := make([]Entry, len(l.entries))
	for i, entry := range l.entries {
		copied[i] = Entry{
			Content:   cloneContent(entry.Content),
			Author:    entry.Author,
			Timestamp: entry.Timestamp,
		}
	}
	return copied
}

func cloneContent(content []byte) []byte {
	if content == nil {
		return nil
	}
	copied := make([]byte, len(content))
	copy(copied, content)
	return copied
}
