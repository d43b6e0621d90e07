// Package dispatcher implements the Dispatcher (spec.md §4.3): the
// single-writer loop that fans events out of the incoming stream onto every
// matching subscription's live stream.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"provbus/internal/envelope"
	"provbus/internal/kv"
	"provbus/internal/queue"
	"provbus/internal/registry"
	"provbus/util"

	"github.com/rs/xid"
)

// Dispatcher holds the only shared mutable state in the process: the
// realm:topic → subscription-name map M (spec.md §5 "shared-resource
// policy"). Readers and writers coordinate through a single RWMutex.
type Dispatcher struct {
	queue queue.Queue
	kv    kv.KV
	reg   *registry.Registry

	mu    sync.RWMutex
	index map[string][]string

	inProgressEvery time.Duration
	reconcileEvery  time.Duration
}

func New(q queue.Queue, store kv.KV, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{
		queue:           q,
		kv:              store,
		reg:             reg,
		index:           map[string][]string{},
		inProgressEvery: 10 * time.Second,
		reconcileEvery:  5 * time.Minute,
	}
}

// Run starts the watcher task, the dispatch task, and the periodic
// full-rescan reconciliation loop, and blocks until ctx is canceled or one
// of them exits with an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.loadIndex(ctx); err != nil {
		return fmt.Errorf("dispatcher: initial index load: %w", err)
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.watchIndex(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("dispatcher: index watch: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.dispatchIncoming(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("dispatcher: dispatch task: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reconcileLoop(ctx)
	}()

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (d *Dispatcher) loadIndex(ctx context.Context) error {
	snap, err := d.reg.IndexSnapshot(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.index = snap
	d.mu.Unlock()
	return nil
}

// watchIndex is the watcher task: it consumes the KV watch on the
// subscriptions index prefix and recomputes the affected entry of M on each
// event, never blocking dispatch progress for more than one KV round-trip
// per event (spec.md §4.3).
func (d *Dispatcher) watchIndex(ctx context.Context) error {
	events, stop, err := d.kv.Watch(ctx, "index:")
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			realmTopic := strings.TrimPrefix(ev.Key, "index:")
			d.mu.Lock()
			if ev.Op == kv.OpDelete {
				delete(d.index, realmTopic)
			} else {
				d.index[realmTopic] = util.SplitNames(string(ev.Value))
			}
			d.mu.Unlock()
		}
	}
}

// dispatchIncoming is the dispatch task: a durable push subscription on the
// incoming stream. handleIncoming is invoked once per message, in order —
// jetstream's Consume callback does not overlap invocations, which is what
// gives fan-out its single-writer ordering guarantee (spec.md §4.3
// "Ordering").
func (d *Dispatcher) dispatchIncoming(ctx context.Context) error {
	stop, err := d.queue.PushSubscribe(ctx, util.IncomingStream, util.IncomingDurable, util.IncomingSubject,
		func(msg queue.Msg) { d.handleIncoming(ctx, msg) })
	if err != nil {
		return err
	}
	<-ctx.Done()
	stop()
	return nil
}

func (d *Dispatcher) handleIncoming(ctx context.Context, msg queue.Msg) {
	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		// TODO: route to a dead-letter stream instead of dropping (spec.md
		// §9 Open Question 1 leaves this undecided).
		slog.Error("dispatcher: dropping unparseable incoming message", "stream", msg.Stream, "seq", msg.Sequence, "err", err)
		if ackErr := d.queue.Ack(msg.Stream, msg.Sequence); ackErr != nil {
			slog.Error("dispatcher: ack of malformed message failed", "err", ackErr)
		}
		return
	}

	names := d.matching(env.RealmTopicKey())
	if len(names) == 0 {
		if err := d.queue.Ack(msg.Stream, msg.Sequence); err != nil {
			slog.Error("dispatcher: ack of no-match message failed", "err", err)
		}
		return
	}

	token := xid.New().String()
	done := make(chan struct{})
	go d.pingInProgress(msg.Stream, msg.Sequence, done)

	for _, name := range names {
		if _, err := d.queue.Publish(ctx, util.LiveStreamName(name), util.LiveSubject(name), msg.Data); err != nil {
			close(done)
			slog.Error("dispatcher: fan-out publish failed, nak for redelivery", "token", token, "subscription", name, "realm_topic", env.RealmTopicKey(), "err", err)
			if nakErr := d.queue.Nak(msg.Stream, msg.Sequence); nakErr != nil {
				slog.Error("dispatcher: nak failed", "token", token, "err", nakErr)
			}
			return
		}
	}
	close(done)

	if err := d.queue.Ack(msg.Stream, msg.Sequence); err != nil {
		slog.Error("dispatcher: ack after fan-out failed", "err", err)
	}
}

func (d *Dispatcher) pingInProgress(stream string, seq uint64, done <-chan struct{}) {
	ticker := time.NewTicker(d.inProgressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = d.queue.InProgress(stream, seq)
		}
	}
}

func (d *Dispatcher) matching(realmTopic string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := d.index[realmTopic]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// reconcileLoop periodically calls Registry.Reconcile and reloads M from
// the repaired index, addressing the drift between the dispatcher's
// in-memory map and the on-disk index that a missed watch event can cause
// (spec.md §9 Open Question 3).
func (d *Dispatcher) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(d.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.reg.Reconcile(ctx); err != nil {
				slog.Error("dispatcher: periodic reconcile failed", "err", err)
				continue
			}
			if err := d.loadIndex(ctx); err != nil {
				slog.Error("dispatcher: reload index after reconcile failed", "err", err)
			}
		}
	}
}
