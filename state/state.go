// Package state provides the shared key/value capability used by the director
// and matchmaker roles: strings with TTL, unordered sets, and append-only
// streams with per-message ids. Two backends exist: an in-process map for
// standalone deployments and a Redis-backed store for distributed ones.
package state

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// BatchLimit is the maximum number of items this codebase passes to a single
// batched state operation.
const BatchLimit = 1000

// KeyType reports how a key is currently being used.
type KeyType string

const (
	KeyTypeNone   KeyType = "none"
	KeyTypeString KeyType = "string"
	KeyTypeSet    KeyType = "set"
	KeyTypeStream KeyType = "stream"
)

// StreamMessage is a single entry of an append-only stream.
type StreamMessage struct {
	ID   string
	Data []byte
}

var ErrWrongKeyType = eris.New("key holds a different type")

// State is the capability shared between the director and matchmakers. All
// operations may suspend on IO; batched variants minimize round-trips and,
// where the operation is per-element, report failure per entry.
type State interface {
	// GetString returns the value at key, or "" when the key is absent.
	GetString(ctx context.Context, key string) (string, error)
	// SetString writes value at key. A ttl of zero means no expiry.
	SetString(ctx context.Context, key string, value string, ttl time.Duration) error

	// StreamAdd appends data to the stream at key and returns the new
	// message's id.
	StreamAdd(ctx context.Context, key string, data []byte) (string, error)
	// StreamAddBatch appends every entry of datas in order. The returned ids
	// are parallel to datas; an id is empty when that entry failed.
	StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, error)
	// StreamRead returns up to maxCount messages from the stream, oldest
	// first. A maxCount of zero returns everything.
	StreamRead(ctx context.Context, key string, maxCount int64) ([]StreamMessage, error)
	// StreamDelete removes the whole stream.
	StreamDelete(ctx context.Context, key string) error
	// StreamDeleteMessages removes the given message ids and returns how many
	// were actually removed.
	StreamDeleteMessages(ctx context.Context, key string, ids []string) (int64, error)

	// SetAdd adds member to the set at key; reports whether it was new.
	SetAdd(ctx context.Context, key string, member string) (bool, error)
	// SetAddBatch adds every member; the result is parallel to members and
	// reports per member whether it was newly added.
	SetAddBatch(ctx context.Context, key string, members []string) ([]bool, error)
	// SetRemove removes member; reports whether it was present.
	SetRemove(ctx context.Context, key string, member string) (bool, error)
	// SetRemoveBatch removes every member and returns how many were present.
	SetRemoveBatch(ctx context.Context, key string, members []string) (int64, error)
	SetContains(ctx context.Context, key string, member string) (bool, error)
	// SetContainsBatch reports membership per member, parallel to members.
	SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error)
	// GetSetValues returns all members of the set at key.
	GetSetValues(ctx context.Context, key string) ([]string, error)

	KeyDelete(ctx context.Context, key string) error
	KeyType(ctx context.Context, key string) (KeyType, error)

	Close() error
}
