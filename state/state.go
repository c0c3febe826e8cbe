// Package state is the typed key/value abstraction the Director and
// Matchmakers use to coordinate: strings with TTL, unordered sets, and
// append-only streams with per-message ids. Two backends implement it: an
// in-memory one for tests and Standalone mode, and a Redis-backed one for
// Matchmaker/Director mode.
package state

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// BatchLimit bounds how many items a single batched State call, or a
// caller's own batched loop over a State, should move at once.
const BatchLimit = 1000

// ErrKeyNotFound is returned by GetString when the key is absent or
// expired.
var ErrKeyNotFound = errors.New("state: key not found")

// StreamEntry is one message read back from a stream, tagged with the id
// the backend assigned it at write time.
type StreamEntry struct {
	ID   string
	Data []byte
}

// State is the capability every Director/Matchmaker operation is built
// on. All operations are asynchronous (context-bound) and safe for
// concurrent use by multiple goroutines.
type State interface {
	// GetString retrieves a string key's value. ttl is not returned; only
	// the value and whether it was found.
	GetString(ctx context.Context, key string) (string, error)
	// SetString writes key=value. ttl <= 0 means no expiry.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	// SetStringIfNotExists is SetString with Redis SETNX semantics,
	// used for the Director's leader lease.
	SetStringIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// KeyDelete removes a key regardless of its type.
	KeyDelete(ctx context.Context, key string) error
	// KeyType reports the underlying type of key ("string", "set",
	// "stream", or "" if absent).
	KeyType(ctx context.Context, key string) (string, error)

	// StreamAdd appends one message and returns its assigned id.
	StreamAdd(ctx context.Context, key string, data []byte) (string, error)
	// StreamAddBatch appends many messages in as few round-trips as
	// possible. The returned slice is parallel to datas; a failed entry
	// has an empty id and a non-nil error at the same index.
	StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, []error)
	// StreamRead returns up to maxCount of the oldest unread messages
	// (oldest first). maxCount <= 0 means BatchLimit.
	StreamRead(ctx context.Context, key string, maxCount int) ([]StreamEntry, error)
	// StreamDelete removes the entire stream key.
	StreamDelete(ctx context.Context, key string) error
	// StreamDeleteMessages removes specific message ids from a stream,
	// returning how many were actually present and removed.
	StreamDeleteMessages(ctx context.Context, key string, ids []string) (int, error)

	// SetAdd adds a member to an unordered set.
	SetAdd(ctx context.Context, key, member string) error
	// SetAddBatch adds many members in one round-trip where possible.
	SetAddBatch(ctx context.Context, key string, members []string) error
	// SetRemove removes a member from a set.
	SetRemove(ctx context.Context, key, member string) error
	// SetRemoveBatch removes many members in one round-trip where
	// possible.
	SetRemoveBatch(ctx context.Context, key string, members []string) error
	// SetContains reports whether member is in the set.
	SetContains(ctx context.Context, key, member string) (bool, error)
	// SetContainsBatch reports membership for many members at once,
	// parallel to the input.
	SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error)
	// GetSetValues returns every member of a set.
	GetSetValues(ctx context.Context, key string) ([]string, error)
}

// Close releases backend resources (connection pools, background
// goroutines). Implemented optionally; callers should type-assert.
type Closer interface {
	Close() error
}
