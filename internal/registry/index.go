package registry

import (
	"context"
	"fmt"
	"slices"

	"provbus/util"
)

// addToIndex appends name to the comma-separated list at index:<realmTopic>
// if it is not already present. Invariant: every index entry is non-empty
// (spec.md §3).
func (r *Registry) addToIndex(ctx context.Context, realmTopic, name string) error {
	key := util.IndexKey(realmTopic)
	value, _, found, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	names := []string{}
	if found {
		names = util.SplitNames(string(value))
	}
	if slices.Contains(names, name) {
		return nil
	}
	names = append(names, name)
	slices.Sort(names)
	_, err = r.kv.Put(ctx, key, []byte(util.JoinNames(names)))
	return err
}

// removeFromIndex drops name from the index entry, deleting the entry
// entirely if it becomes empty.
func (r *Registry) removeFromIndex(ctx context.Context, realmTopic, name string) error {
	key := util.IndexKey(realmTopic)
	value, _, found, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	names := util.SplitNames(string(value))
	names = slices.DeleteFunc(names, func(n string) bool { return n == name })
	if len(names) == 0 {
		return r.kv.Delete(ctx, key)
	}
	_, err = r.kv.Put(ctx, key, []byte(util.JoinNames(names)))
	return err
}

// Reconcile repairs drift between subscription records and (a) the
// realm:topic index and (b) the streams a subscription owns — the lazy
// repair spec.md §4.2 calls for when creation is interrupted, and the
// periodic full-rescan spec.md §9 Open Question 3 flags as advisable. It is
// safe to call repeatedly and concurrently with normal traffic: every step
// is an idempotent create/put/delete.
func (r *Registry) Reconcile(ctx context.Context) error {
	subs, err := r.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list subscriptions: %w", err)
	}

	byName := make(map[string]Subscription, len(subs))
	wantIndex := map[string]map[string]bool{} // realmTopic -> set(name)
	for _, sub := range subs {
		byName[sub.Name] = sub
		for _, rt := range sub.RealmsTopics {
			key := util.RealmTopicKey(rt.Realm, rt.Topic)
			if wantIndex[key] == nil {
				wantIndex[key] = map[string]bool{}
			}
			wantIndex[key][sub.Name] = true
		}

		if err := r.queue.EnsureStream(ctx, streamCfgFor(sub)); err != nil {
			return fmt.Errorf("reconcile: ensure live stream for %s: %w", sub.Name, err)
		}
		if sub.RequestPrefill && sub.PrefillQueueStatus != "" && sub.PrefillQueueStatus != StatusDone {
			if err := r.queue.EnsureStream(ctx, prefillStreamCfgFor(sub)); err != nil {
				return fmt.Errorf("reconcile: ensure prefill stream for %s: %w", sub.Name, err)
			}
		}
	}

	existingIndex, err := r.IndexSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: snapshot index: %w", err)
	}

	for realmTopic, names := range existingIndex {
		want := wantIndex[realmTopic]
		for _, name := range names {
			if !want[name] {
				if err := r.removeFromIndex(ctx, realmTopic, name); err != nil {
					return fmt.Errorf("reconcile: drop stale index entry %s/%s: %w", realmTopic, name, err)
				}
			}
		}
	}
	for realmTopic, names := range wantIndex {
		for name := range names {
			if err := r.addToIndex(ctx, realmTopic, name); err != nil {
				return fmt.Errorf("reconcile: restore index entry %s/%s: %w", realmTopic, name, err)
			}
		}
	}

	return nil
}
