package messageservice_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"provbus/internal/envelope"
	"provbus/internal/kv"
	"provbus/internal/messageservice"
	"provbus/internal/queue"
	"provbus/internal/registry"
	"provbus/internal/testutil"
	"provbus/util"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*messageservice.Service, *registry.Registry, queue.Queue) {
	t.Helper()
	js := testutil.StartEmbeddedJetStream(t)
	ctx := context.Background()

	bucket, err := kv.EnsureBucket(ctx, js, "ms-test", 5)
	require.NoError(t, err)
	store := kv.New(bucket)
	q := queue.New(js)
	reg := registry.New(store, q)
	return messageservice.New(q, reg), reg, q
}

func publishLive(t *testing.T, ctx context.Context, q queue.Queue, subName string, env envelope.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = q.Publish(ctx, util.LiveStreamName(subName), util.LiveSubject(subName), data)
	require.NoError(t, err)
}

func TestFetchUnknownSubscriptionReturnsNotFound(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Fetch(context.Background(), messageservice.FetchRequest{SubscriptionName: "ghost", Count: 1, Timeout: time.Second})
	require.ErrorIs(t, err, messageservice.ErrSubscriptionNotFound)
}

func TestFetchFailedPrefillReturnsPrefillFailedError(t *testing.T) {
	svc, reg, q := setup(t)
	ctx := context.Background()
	sub := registry.Subscription{Name: "s1", RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}}, RequestPrefill: true}
	require.NoError(t, reg.Create(ctx, sub))
	require.NoError(t, reg.SetPrefillStatus(ctx, "s1", registry.StatusRunning))
	require.NoError(t, reg.SetPrefillStatus(ctx, "s1", registry.StatusFailed))

	_, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s1", Count: 1, Timeout: time.Second})
	require.ErrorIs(t, err, messageservice.ErrPrefillFailed)
	_ = q
}

func TestFetchWithoutPrefillServesLiveStreamDirectly(t *testing.T) {
	svc, reg, q := setup(t)
	ctx := context.Background()
	sub := registry.Subscription{Name: "s1", RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}}}
	require.NoError(t, reg.Create(ctx, sub))

	publishLive(t, ctx, q, "s1", envelope.Envelope{
		PublisherName: envelope.PublisherUDMListener,
		Ts:            time.Now(),
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`{"new":{"dn":"x"}}`),
	})

	delivered, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s1", Count: 1, Timeout: 2 * time.Second, Pop: true})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Equal(t, "users/user", delivered[0].Topic)
}

func TestFetchBlockedWhilePrefillPending(t *testing.T) {
	svc, reg, _ := setup(t)
	ctx := context.Background()
	sub := registry.Subscription{Name: "s1", RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}}, RequestPrefill: true}
	// Create provisions the prefill stream eagerly alongside the record
	// (registry.Create), so it already exists while status is pending.
	require.NoError(t, reg.Create(ctx, sub))

	delivered, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s1", Count: 1, Timeout: time.Second})
	require.NoError(t, err)
	require.Empty(t, delivered)
}

func TestFetchFallsBackToLiveOncePrefillStreamIsRetired(t *testing.T) {
	svc, reg, q := setup(t)
	ctx := context.Background()
	sub := registry.Subscription{Name: "s4", RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}}, RequestPrefill: true}
	require.NoError(t, reg.Create(ctx, sub))
	require.NoError(t, reg.SetPrefillStatus(ctx, "s4", registry.StatusRunning))
	require.NoError(t, reg.SetPrefillStatus(ctx, "s4", registry.StatusDone))

	// Drain and retire the prefill stream: one pop=true fetch against an
	// empty prefill queue tops up from live and then deletes prefill:s4.
	publishLive(t, ctx, q, "s4", envelope.Envelope{
		PublisherName: envelope.PublisherUDMListener,
		Ts:            time.Now(),
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`{"new":{"dn":"live-1"}}`),
	})
	first, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s4", Count: 1, Timeout: time.Second, Pop: true})
	require.NoError(t, err)
	require.Len(t, first, 1)

	exists, err := q.StreamExists(ctx, util.PrefillStreamName("s4"))
	require.NoError(t, err)
	require.False(t, exists, "drained prefill stream should have been deleted")

	// A subsequent fetch must not try the now-deleted prefill stream again.
	publishLive(t, ctx, q, "s4", envelope.Envelope{
		PublisherName: envelope.PublisherUDMListener,
		Ts:            time.Now(),
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`{"new":{"dn":"live-2"}}`),
	})
	second, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s4", Count: 1, Timeout: time.Second, Pop: true})
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "live-2", mustDN(t, second[0].Body))
}

func mustDN(t *testing.T, body json.RawMessage) string {
	t.Helper()
	var wrapper struct {
		New struct {
			DN string `json:"dn"`
		} `json:"new"`
	}
	require.NoError(t, json.Unmarshal(body, &wrapper))
	return wrapper.New.DN
}

func TestFetchDrainsPrefillBeforeLive(t *testing.T) {
	svc, reg, q := setup(t)
	ctx := context.Background()
	sub := registry.Subscription{Name: "s2", RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "groups/group"}}, RequestPrefill: true}
	require.NoError(t, reg.Create(ctx, sub))
	require.NoError(t, reg.SetPrefillStatus(ctx, "s2", registry.StatusRunning))
	require.NoError(t, reg.SetPrefillStatus(ctx, "s2", registry.StatusDone))

	prefillData, err := json.Marshal(envelope.Envelope{
		PublisherName: envelope.PublisherUDMPrefill,
		Ts:            time.Now(),
		Realm:         "udm",
		Topic:         "groups/group",
		Body:          json.RawMessage(`{"new":{"dn":"snapshot"}}`),
	})
	require.NoError(t, err)
	_, err = q.Publish(ctx, util.PrefillStreamName("s2"), util.PrefillSubject("s2"), prefillData)
	require.NoError(t, err)

	publishLive(t, ctx, q, "s2", envelope.Envelope{
		PublisherName: envelope.PublisherUDMListener,
		Ts:            time.Now(),
		Realm:         "udm",
		Topic:         "groups/group",
		Body:          json.RawMessage(`{"new":{"dn":"live"}}`),
	})

	delivered, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s2", Count: 2, Timeout: 2 * time.Second, Pop: true})
	require.NoError(t, err)
	require.Len(t, delivered, 2)
	require.Equal(t, envelope.PublisherUDMPrefill, delivered[0].PublisherName)
	require.Equal(t, envelope.PublisherUDMListener, delivered[1].PublisherName)
}

func TestReportStatusOkAcks(t *testing.T) {
	svc, reg, q := setup(t)
	ctx := context.Background()
	sub := registry.Subscription{Name: "s1", RealmsTopics: []registry.RealmTopic{{Realm: "udm", Topic: "users/user"}}}
	require.NoError(t, reg.Create(ctx, sub))

	publishLive(t, ctx, q, "s1", envelope.Envelope{
		PublisherName: envelope.PublisherUDMListener,
		Ts:            time.Now(),
		Realm:         "udm",
		Topic:         "users/user",
		Body:          json.RawMessage(`{"new":{"dn":"x"}}`),
	})

	delivered, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s1", Count: 1, Timeout: 2 * time.Second, Pop: false})
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	require.NoError(t, svc.ReportStatus("s1", messageservice.StatusReport{
		Status:        "ok",
		MessageSeqNum: delivered[0].SequenceNumber,
		PublisherName: envelope.PublisherUDMListener,
	}))

	again, err := svc.Fetch(ctx, messageservice.FetchRequest{SubscriptionName: "s1", Count: 1, Timeout: time.Second})
	require.NoError(t, err)
	require.Empty(t, again)
}
