package syncengine

import (
	"errors"
)

// sync cycle errors. These are surfaced on the `SyncState` and through the
// error callback, and are always non-fatal: the synchronizer stays usable
// and the pending log is preserved.
var (
	// the merged result was rejected by the caller-supplied validator.
	// never retried automatically.
	ErrValidationFailed = errors.New("validation failed")
	// the remote fetch exhausted its retry budget
	ErrFetchFailed = errors.New("fetch failed")
	// the remote push exhausted its retry budget
	ErrPushFailed = errors.New("push failed")
)

// delivered failures from async paths (durable storage, sync cycles)
// instead of panics or silent drops
type ErrorFunction func(err error)
