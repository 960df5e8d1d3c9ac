// Package sentinel holds the storage-level facts stores report. Services map
// them onto domain error codes; handlers never see them directly.
package sentinel

import "errors"

var (
	// ErrNotFound: no token, exclusion, identity or mapping with that key.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the row changed since it was read (version mismatch).
	ErrConflict = errors.New("conflict")
	// ErrAlreadyUsed: a uniqueness slot is taken, e.g. a second active
	// exclusion for one person or a duplicate token value.
	ErrAlreadyUsed = errors.New("already used")
	// ErrInvalidState: the stored lifecycle state forbids the write.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: the backing store could not be reached.
	ErrUnavailable = errors.New("unavailable")
)
