package platform

import (
	"context"
	"fmt"
	"log/slog"

	"provbus/internal/directory"
	"provbus/internal/dispatcher"
	"provbus/internal/kv"
	"provbus/internal/prefill"
	"provbus/internal/queue"
	"provbus/internal/registry"
	"provbus/util"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Core bundles every wired core component so the HTTP façade and the
// pre-fill trigger on subscription creation can reach them.
type Core struct {
	Queue    queue.Queue
	KV       kv.KV
	Registry *registry.Registry
	Prefill  *prefill.Controller
	Dispatch *dispatcher.Dispatcher

	// lifetime is the context passed to BuildCore, carried so handlers can
	// start prefill jobs tied to process shutdown rather than the
	// originating HTTP request's context.
	lifetime context.Context
}

// BuildCore creates the incoming stream, the subscriptions KV bucket, and
// wires the Message Queue Adapter, KV Adapter, Subscription Registry,
// Pre-fill Controller, and Dispatcher on top of them.
func BuildCore(ctx context.Context, nc *nats.Conn, kvBucket, directoryURL, directoryUser, directoryPassword string) (*Core, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	q := queue.New(js)
	if err := q.EnsureStream(ctx, queue.StreamConfig{
		Name:      util.IncomingStream,
		Subjects:  []string{util.IncomingSubject},
		WorkQueue: true,
	}); err != nil {
		return nil, fmt.Errorf("ensure incoming stream: %w", err)
	}

	bucket, err := kv.EnsureBucket(ctx, js, kvBucket, 5)
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", kvBucket, err)
	}
	store := kv.New(bucket)

	reg := registry.New(store, q)
	if err := reg.Reconcile(ctx); err != nil {
		slog.Warn("startup reconcile reported an error, continuing", "err", err)
	}

	dirClient := directory.NewHTTPClient(directoryURL, directoryUser, directoryPassword)
	prefillCtrl := prefill.New(q, reg, dirClient)
	disp := dispatcher.New(q, store, reg)

	return &Core{
		Queue:    q,
		KV:       store,
		Registry: reg,
		Prefill:  prefillCtrl,
		Dispatch: disp,
		lifetime: ctx,
	}, nil
}

// Run starts the dispatcher's long-running loop and blocks until ctx is
// canceled or it exits with an error.
func (c *Core) Run(ctx context.Context) error {
	slog.Info("provbus core running")
	err := c.Dispatch.Run(ctx)
	slog.Info("provbus core shutdown")
	return err
}
