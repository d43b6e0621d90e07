// Package kv is the KV Adapter (spec.md §4.2): a capability set of
// {get, put, delete, watch} over a versioned key→bytes store. The
// Subscription Registry is the only consumer that understands subscription
// schema; this package knows nothing about subscriptions.
package kv

import "context"

// Op identifies the kind of change a watch delivered.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// Event is one change delivered by Watch, or an entry from its historical
// replay.
type Event struct {
	Key   string
	Op    Op
	Value []byte
	// Revision is the per-key version this event left the key at.
	Revision uint64
}

// KV is the capability set the Subscription Registry and Dispatcher depend
// on. The only concrete implementation is JetStream-KV-backed
// (jetstream_adapter.go).
type KV interface {
	Get(ctx context.Context, key string) (value []byte, revision uint64, found bool, err error)
	Put(ctx context.Context, key string, value []byte) (revision uint64, err error)
	Delete(ctx context.Context, key string) error

	// List returns every key under prefix and its current value, for
	// one-shot scans (registry startup listing, dispatcher index rebuild).
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Watch delivers every current key under prefix (historical-first) then
	// tails live puts/deletes, until ctx is done or the returned stop func is
	// called. It resumes after a transient reconnect by replaying the
	// historical set again — callers must treat delivered events as
	// idempotent (spec.md §4.2).
	Watch(ctx context.Context, prefix string) (<-chan Event, func(), error)
}
