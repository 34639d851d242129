package revision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrForbidden means the caller's token does not grant the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the document does not exist in the store.
	ErrNotFound = errors.New("document not found")
	// ErrEmptyHistory means a read hit a document with no revisions.
	ErrEmptyHistory = errors.New("empty history")
	// ErrPersistence means the external store call failed.
	ErrPersistence = errors.New("persistence failed")
	// ErrTimeout means the caller's deadline elapsed mid-operation.
	ErrTimeout = errors.New("operation timed out")
)

// classifyStoreError maps a store failure onto the taxonomy so callers get
// a distinguishable condition instead of a silent partial success.
func classifyStoreError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}
