// Package store defines the session store contract: a key/value service
// with list-append and TTL semantics used to persist per-session
// transcript logs.
//
// Two implementations exist: the PostgreSQL store in the postgres
// subpackage (production) and the in-memory store in the memory
// subpackage (tests and single-node deploys). Store failures are
// non-fatal by contract — callers keep emitting to the client and log the
// lost persistence.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetRange for keys that have never been
// appended to or whose TTL has expired.
var ErrNotFound = errors.New("store: key not found")

// TranscriptKey returns the list key holding a session's transcript log.
func TranscriptKey(sessionID string) string {
	return "transcript:" + sessionID
}

// SessionStore is the durable append log consumed by streaming sessions
// and the transcript read API.
//
// Implementations must be safe for concurrent use. For a single key,
// values returned by GetRange appear in the exact order Append calls
// completed.
type SessionStore interface {
	// Append pushes value onto the tail of the list at key, creating
	// the list if needed.
	Append(ctx context.Context, key string, value []byte) error

	// GetRange returns entries [start, stop] in append order. Negative
	// indices count from the end, so (0, -1) returns the whole list.
	// Returns ErrNotFound for missing or expired keys.
	GetRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Expire sets the list's time-to-live. The list and all entries
	// become unreadable once the TTL elapses; reclamation may lag.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RangeBounds resolves Redis-style start/stop indices against a list of
// length n, returning ok=false for empty results. Shared by the store
// implementations so both agree on negative-index semantics.
func RangeBounds(start, stop, n int64) (lo, hi int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
