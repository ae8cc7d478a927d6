// Package store abstracts the durable, origin-scoped key-value store
// shared by every tab of one application instance. Reads and writes are
// atomic per key; nothing spans keys, which is the central hazard the
// coordinator's design accounts for.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Op identifies what happened to a key.
type Op int

const (
	OpSet Op = iota
	OpDelete
)

// Event notifies watchers of a key change. Delivery is at-least-once
// and unordered; consumers re-read the key rather than trusting any
// payload carried here.
type Event struct {
	Key string
	Op  Op
}

// Store is the shared durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Watchable is a store that can push change notifications. The channel
// is closed when ctx is cancelled or the store is closed.
type Watchable interface {
	Store
	Watch(ctx context.Context) (<-chan Event, error)
}
