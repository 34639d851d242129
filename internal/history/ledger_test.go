package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAdvancesCursor(t *testing.T) {
	ledger := NewLedger()

	for n := 0; n < 5; n++ {
		content := []byte(fmt.Sprintf("revision-%d", n))
		index := ledger.Append(content, "avery")
		assert.Equal(t, n, index)

		current, err := ledger.Current()
		require.NoError(t, err)
		assert.Equal(t, content, current)
	}
	assert.Equal(t, 4, ledger.Cursor())
	assert.Equal(t, 5, ledger.Len())
}

func TestCurrentOnEmptyLedger(t *testing.T) {
	ledger := NewLedger()

	_, err := ledger.Current()
	assert.ErrorIs(t, err, ErrEmptyHistory)

	_, _, err = ledger.Undo()
	assert.ErrorIs(t, err, ErrEmptyHistory)

	_, _, err = ledger.Redo()
	assert.ErrorIs(t, err, ErrEmptyHistory)
}

func TestUndoSaturatesAtStart(t *testing.T) {
	ledger := NewLedger()
	ledger.Append([]byte("a"), "")
	ledger.Append([]byte("b"), "")

	content, index, err := ledger.Undo()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), content)
	assert.Equal(t, 0, index)

	// Repeated undo at index 0 is idempotent.
	for i := 0; i < 3; i++ {
		content, index, err = ledger.Undo()
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), content)
		assert.Equal(t, 0, index)
	}
}

func TestRedoSaturatesAtTail(t *testing.T) {
	ledger := NewLedger()
	ledger.Append([]byte("a"), "")
	ledger.Append([]byte("b"), "")

	_, _, err := ledger.Undo()
	require.NoError(t, err)

	content, index, err := ledger.Redo()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), content)
	assert.Equal(t, 1, index)

	content, index, err = ledger.Redo()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), content)
	assert.Equal(t, 1, index)
}

func TestAppendAfterUndoDiscardsRedoBranch(t *testing.T) {
	ledger := NewLedger()
	ledger.Append([]byte("A"), "")
	ledger.Append([]byte("B"), "")
	ledger.Append([]byte("C"), "")

	content, index, err := ledger.Undo()
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), content)
	assert.Equal(t, 1, index)

	index = ledger.Append([]byte("D"), "")
	assert.Equal(t, 2, index)
	assert.Equal(t, 3, ledger.Len())

	// C is gone: redo saturates at D.
	content, index, err = ledger.Redo()
	require.NoError(t, err)
	assert.Equal(t, []byte("D"), content)
	assert.Equal(t, 2, index)

	entry, err := ledger.EntryAt(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("D"), entry.Content)
}

func TestFromEntriesClampsCursor(t *testing.T) {
	entries := []Entry{
		{Content: []byte("a")},
		{Content: []byte("b")},
	}

	ledger := FromEntries(entries, 7)
	assert.Equal(t, 1, ledger.Cursor())

	ledger = FromEntries(entries, -3)
	assert.Equal(t, 0, ledger.Cursor())

	ledger = FromEntries(nil, 0)
	assert.Equal(t, -1, ledger.Cursor())
	assert.Equal(t, 0, ledger.Len())
}

func TestEntriesReturnsIndependentCopy(t *testing.T) {
	ledger := NewLedger()
	ledger.Append([]byte("original"), "avery")

	snapshot := ledger.Entries()
	require.Len(t, snapshot, 1)
	snapshot[0].Content[0] = 'X'

	current, err := ledger.Current()
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), current)
}
