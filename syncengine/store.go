package syncengine

// Store is a uniform string-keyed durable medium. Implementations back the
// bounded cache entries (`cache:<key>`) and the synchronizer pending logs
// (`<resourceKey>_pending_changes`).
//
// The engine treats each key as single-writer: concurrent synchronizers must
// use disjoint resource keys. Failures are returned, never swallowed; callers
// decide whether a failure is fatal (for the cache and pending log it is not,
// the in-memory state stays authoritative).
type Store interface {
	// returns the value and whether the key is present
	Get(key string) (string, bool, error)
	Set(key string, value string) error
	Remove(key string) error
	// enumerates keys with the given prefix, used to reload
	// prior entries on cold start
	Keys(prefix string) ([]string, error)
}
