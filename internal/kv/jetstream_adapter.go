package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
)

// Adapter is the JetStream-KV-backed implementation of KV.
type Adapter struct {
	bucket jetstream.KeyValue
}

// New wraps an existing bucket. The bucket must already exist — callers
// create it once at startup via EnsureBucket.
func New(bucket jetstream.KeyValue) *Adapter {
	return &Adapter{bucket: bucket}
}

// EnsureBucket creates the KV bucket if absent, idempotently.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		History: history,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", name, err)
	}
	return bucket, nil
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	entry, err := a.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), true, nil
}

func (a *Adapter) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := a.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

func (a *Adapter) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	lister, err := a.bucket.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("kv list %s: %w", prefix, err)
	}
	defer lister.Stop()

	out := map[string][]byte{}
	for key := range lister.Keys() {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		entry, err := a.bucket.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("kv list %s: get %s: %w", prefix, key, err)
		}
		out[key] = entry.Value()
	}
	return out, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.bucket.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Watch resumes across dropped watchers with exponential backoff and no
// limit on the number of attempts (it retries until ctx is canceled), per
// spec.md §4.2's "survives reconnects" contract. Each reconnect replays the
// full historical set under prefix, so downstream consumers (the registry's
// index rebuild, the dispatcher's map rebuild) must treat delivered events
// as idempotent — which they already must, per spec.md §5's duplicate
// tolerance.
func (a *Adapter) Watch(ctx context.Context, prefix string) (<-chan Event, func(), error) {
	out := make(chan Event, 64)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry until ctx is canceled

		for {
			if ctx.Err() != nil {
				return
			}
			if err := a.watchOnce(ctx, prefix, out); err != nil {
				wait := bo.NextBackOff()
				slog.Warn("kv watch disconnected, retrying", "prefix", prefix, "err", err, "wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
				continue
			}
			bo.Reset()
			// watchOnce returned nil only because ctx was canceled.
			return
		}
	}()

	return out, cancel, nil
}

func (a *Adapter) watchOnce(ctx context.Context, prefix string, out chan<- Event) error {
	watcher, err := a.bucket.Watch(ctx, prefix+"*")
	if err != nil {
		return fmt.Errorf("watch %s: %w", prefix, err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-watcher.Updates():
			if !ok {
				return fmt.Errorf("watch channel closed for %s", prefix)
			}
			if update == nil {
				// marks end of historical replay; nothing to deliver
				continue
			}
			ev := Event{Key: update.Key(), Revision: update.Revision()}
			switch update.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				ev.Op = OpDelete
			default:
				ev.Op = OpPut
				ev.Value = update.Value()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
