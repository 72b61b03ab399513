// Package sync merges freshly fetched flow bundle trees into a persistent
// destination tree without destroying local additions.
package sync

import "errors"

// ErrFetchFailed is returned when the remote fetch step fails. The
// destination tree is guaranteed untouched in that case.
var ErrFetchFailed = errors.New("fetch failed")

// ErrEntryConflict is returned when a source entry and a destination entry
// share a name but disagree on type (file vs directory). The merge aborts
// rather than guessing overwrite-or-skip intent.
var ErrEntryConflict = errors.New("entry type conflict")
