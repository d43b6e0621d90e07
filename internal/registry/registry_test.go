package registry_test

import (
	"context"
	"testing"

	"provbus/internal/kv"
	"provbus/internal/queue"
	"provbus/internal/registry"
	"provbus/internal/testutil"

	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	js := testutil.StartEmbeddedJetStream(t)
	ctx := context.Background()
	bucket, err := kv.EnsureBucket(ctx, js, "reg-test", 5)
	require.NoError(t, err)
	return registry.New(kv.New(bucket), queue.New(js))
}

func TestCreateGetDeleteRoundTrip(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	sub := registry.Subscription{
		Name:           "s1",
		RealmsTopics:   []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}},
		RequestPrefill: false,
		PasswordHash:   "hash",
	}
	require.NoError(t, r.Create(ctx, sub))

	got, found, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sub.Name, got.Name)
	require.Equal(t, sub.RealmsTopics, got.RealmsTopics)

	snap, err := r.IndexSnapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap["udm:users/user"], "s1")

	require.NoError(t, r.Delete(ctx, "s1"))
	_, found, err = r.Get(ctx, "s1")
	require.NoError(t, err)
	require.False(t, found)

	snap, err = r.IndexSnapshot(ctx)
	require.NoError(t, err)
	require.NotContains(t, snap, "udm:users/user")
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	sub := registry.Subscription{
		Name:         "dup",
		RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "groups/group"}},
	}
	require.NoError(t, r.Create(ctx, sub))
	require.ErrorIs(t, r.Create(ctx, sub), registry.ErrAlreadyExists)
}

func TestPrefillStatusIsForwardOnly(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	sub := registry.Subscription{
		Name:           "s2",
		RealmsTopics:   []registry.RealmTopic{{Realm: "udm", Topic: "groups/group"}},
		RequestPrefill: true,
	}
	require.NoError(t, r.Create(ctx, sub))

	got, _, err := r.Get(ctx, "s2")
	require.NoError(t, err)
	require.Equal(t, registry.StatusPending, got.PrefillQueueStatus)

	require.NoError(t, r.SetPrefillStatus(ctx, "s2", registry.StatusRunning))
	require.NoError(t, r.SetPrefillStatus(ctx, "s2", registry.StatusDone))
	require.ErrorIs(t, r.SetPrefillStatus(ctx, "s2", registry.StatusRunning), registry.ErrBadTransition)
}

func TestIndexSharedAcrossSubscriptions(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, registry.Subscription{
		Name:         "a",
		RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}},
	}))
	require.NoError(t, r.Create(ctx, registry.Subscription{
		Name:         "b",
		RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}},
	}))

	snap, err := r.IndexSnapshot(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, snap["udm:users/user"])

	require.NoError(t, r.Delete(ctx, "a"))
	snap, err = r.IndexSnapshot(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b"}, snap["udm:users/user"])
}
