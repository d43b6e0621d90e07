package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"provbus/internal/kv"
	"provbus/internal/queue"
	"provbus/util"
)

// Registry is the typed API over the KV Adapter described by spec.md §4.2.
type Registry struct {
	kv    kv.KV
	queue queue.Queue
}

func New(store kv.KV, q queue.Queue) *Registry {
	return &Registry{kv: store, queue: q}
}

// Create writes a new subscription record, its index entries, and its
// stream(s). Steps are ordered so an interrupted creation leaves a
// recoverable state — Reconcile repairs orphan index entries or streams
// lazily (spec.md §4.2).
func (r *Registry) Create(ctx context.Context, sub Subscription) error {
	if sub.Name == "" {
		return ErrEmptyName
	}
	if len(sub.RealmsTopics) == 0 {
		return ErrNoRealmsTopics
	}

	key := util.SubscriptionKey(sub.Name)
	_, _, found, err := r.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("check existing subscription %s: %w", sub.Name, err)
	}
	if found {
		return ErrAlreadyExists
	}

	sub.PrefillQueueStatus = ""
	if sub.RequestPrefill {
		sub.PrefillQueueStatus = StatusPending
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription %s: %w", sub.Name, err)
	}
	if _, err := r.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put subscription %s: %w", sub.Name, err)
	}

	for _, rt := range sub.RealmsTopics {
		if err := r.addToIndex(ctx, util.RealmTopicKey(rt.Realm, rt.Topic), sub.Name); err != nil {
			return fmt.Errorf("index %s for %s: %w", rt, sub.Name, err)
		}
	}

	if sub.RequestPrefill {
		if err := r.queue.EnsureStream(ctx, prefillStreamCfgFor(sub)); err != nil {
			return fmt.Errorf("create prefill stream for %s: %w", sub.Name, err)
		}
	}

	if err := r.queue.EnsureStream(ctx, streamCfgFor(sub)); err != nil {
		return fmt.Errorf("create live stream for %s: %w", sub.Name, err)
	}

	return nil
}

func streamCfgFor(sub Subscription) queue.StreamConfig {
	return queue.StreamConfig{
		Name:     util.LiveStreamName(sub.Name),
		Subjects: []string{util.LiveSubject(sub.Name)},
	}
}

func prefillStreamCfgFor(sub Subscription) queue.StreamConfig {
	return queue.StreamConfig{
		Name:     util.PrefillStreamName(sub.Name),
		Subjects: []string{util.PrefillSubject(sub.Name)},
	}
}

func (r *Registry) Get(ctx context.Context, name string) (Subscription, bool, error) {
	value, _, found, err := r.kv.Get(ctx, util.SubscriptionKey(name))
	if err != nil || !found {
		return Subscription{}, found, err
	}
	var sub Subscription
	if err := json.Unmarshal(value, &sub); err != nil {
		return Subscription{}, true, fmt.Errorf("unmarshal subscription %s: %w", name, err)
	}
	return sub, true, nil
}

func (r *Registry) List(ctx context.Context) ([]Subscription, error) {
	raw, err := r.kv.List(ctx, "subscription:")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	subs := make([]Subscription, 0, len(raw))
	for key, value := range raw {
		var sub Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			slog.Error("registry: skipping unreadable subscription record", "key", key, "err", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Delete removes the subscription record, updates every index entry it
// participated in (deleting any that become empty), and deletes both
// streams.
func (r *Registry) Delete(ctx context.Context, name string) error {
	sub, found, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	for _, rt := range sub.RealmsTopics {
		if err := r.removeFromIndex(ctx, util.RealmTopicKey(rt.Realm, rt.Topic), name); err != nil {
			return fmt.Errorf("unindex %s for %s: %w", rt, name, err)
		}
	}

	if err := r.queue.DeleteStream(ctx, util.LiveStreamName(name)); err != nil {
		return fmt.Errorf("delete live stream for %s: %w", name, err)
	}
	if err := r.queue.DeleteStream(ctx, util.PrefillStreamName(name)); err != nil {
		return fmt.Errorf("delete prefill stream for %s: %w", name, err)
	}

	if err := r.kv.Delete(ctx, util.SubscriptionKey(name)); err != nil {
		return fmt.Errorf("delete subscription record %s: %w", name, err)
	}
	return nil
}

// SetPrefillStatus enforces the forward-only transition invariant
// (spec.md §3 invariant iii, §4.7).
func (r *Registry) SetPrefillStatus(ctx context.Context, name, status string) error {
	sub, found, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if !forwardTransitionAllowed(sub.PrefillQueueStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, sub.PrefillQueueStatus, status)
	}
	sub.PrefillQueueStatus = status
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription %s: %w", name, err)
	}
	if _, err := r.kv.Put(ctx, util.SubscriptionKey(name), data); err != nil {
		return fmt.Errorf("put subscription %s: %w", name, err)
	}
	return nil
}

// IndexSnapshot scans every index entry and returns the realm:topic →
// subscription-name-set mapping, used by the dispatcher to (re)build its
// in-memory M at startup and during periodic reconciliation (spec.md §4.3,
// §9 Open Question 3).
func (r *Registry) IndexSnapshot(ctx context.Context) (map[string][]string, error) {
	raw, err := r.kv.List(ctx, "index:")
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	out := make(map[string][]string, len(raw))
	for key, value := range raw {
		realmTopic := strings.TrimPrefix(key, "index:")
		out[realmTopic] = util.SplitNames(string(value))
	}
	return out, nil
}
