// Package queue is the Message Queue Adapter (spec.md §4.1): a capability
// set of {publish, fetch, ack, nak, in-progress, delete-stream} over a
// durable append-only log with named consumers. The only concrete
// implementation is JetStream-backed (jetstream_adapter.go); the interface
// exists so the dispatcher, message service, and pre-fill controller never
// import jetstream directly (spec.md §9's port/adapter note).
package queue

import (
	"context"
	"time"
)

// StreamConfig describes a stream to create idempotently.
type StreamConfig struct {
	Name      string
	Subjects  []string
	WorkQueue bool // true selects work-queue retention (consumed-once semantics for incoming)
}

// Msg is a delivered message plus everything needed to later ack, nak, or
// extend its in-flight deadline, even after the fetch call that produced it
// has returned (spec.md §4.1, §4.5's pop=false flow).
type Msg struct {
	Stream   string
	Subject  string
	Sequence uint64
	Data     []byte
}

// Queue is the capability set the rest of provbus depends on.
type Queue interface {
	// EnsureStream creates the stream if absent. Idempotent.
	EnsureStream(ctx context.Context, cfg StreamConfig) error

	// StreamExists reports whether stream is currently present. Used by the
	// message service to tell "prefill done, stream drained and retired"
	// apart from "prefill still running" without trusting status alone.
	StreamExists(ctx context.Context, stream string) (bool, error)

	// DeleteStream removes a stream and all its messages. Idempotent: deleting
	// an absent stream is not an error.
	DeleteStream(ctx context.Context, stream string) error

	// Publish is at-least-once and totally ordered per stream.
	Publish(ctx context.Context, stream, subject string, data []byte) (seq uint64, err error)

	// Fetch performs a durable pull-consumer fetch. It returns at most
	// maxCount messages and never errors on timeout — an empty slice is
	// returned instead. Returned messages remain un-acked until Ack, Nak, or
	// InProgress is called with their (stream, seq).
	Fetch(ctx context.Context, stream, durable string, maxCount int, timeout time.Duration) ([]Msg, error)

	// PushSubscribe establishes a durable push-style subscription: handler is
	// invoked for every message delivered on filterSubject within stream,
	// until the returned stop func is called or ctx is done. Used by the
	// dispatcher, which is the only push-mode reader in the system.
	PushSubscribe(ctx context.Context, stream, durable, filterSubject string, handler func(Msg)) (stop func(), err error)

	// Ack, Nak, and InProgress operate on a previously-fetched or
	// previously-pushed message identified by (stream, seq). Ack is
	// idempotent: acking an unknown or already-acked (stream, seq) is a
	// silent no-op, matching spec.md §7's "consumer ack for an unknown
	// sequence number" policy.
	Ack(stream string, seq uint64) error
	Nak(stream string, seq uint64) error
	InProgress(stream string, seq uint64) error

	// DeleteMessage removes a single record from a stream by sequence
	// number. No provbus component calls it.
	DeleteMessage(ctx context.Context, stream string, seq uint64) error
}
