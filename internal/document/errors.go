package document

import "errors"

var (
	// ErrNotFound is returned for unknown documents, conflicts and snapshots.
	ErrNotFound = errors.New("document: not found")

	// ErrNotOpen is returned when operating on a document that is not open.
	ErrNotOpen = errors.New("document: not open")

	// ErrResyncRequired means the local history diverged too far from the
	// remote one; the document must be reloaded from a snapshot.
	ErrResyncRequired = errors.New("document: resync required")

	// ErrPermissionDenied is returned for edits by a user without write access.
	ErrPermissionDenied = errors.New("document: permission denied")

	// ErrInvalidOperation is wrapped by Operation.Validate failures.
	ErrInvalidOperation = errors.New("document: invalid operation")

	// ErrOutOfRange is returned for positions beyond the document end.
	ErrOutOfRange = errors.New("document: position out of range")

	// ErrConflictExpired is returned when a conflict can no longer be
	// discarded because the history it depends on was trimmed.
	ErrConflictExpired = errors.New("document: conflict history expired")
)

// ErrStaleOperation is returned by the Authority for an operation based on a
// revision older than its author's registration, typically one still in
// flight when the author was resynced.
var ErrStaleOperation = errors.New("document: stale operation")
