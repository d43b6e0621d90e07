package queue_test

import (
	"context"
	"testing"
	"time"

	"provbus/internal/queue"
	"provbus/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestPublishAndFetchPreservesOrder(t *testing.T) {
	js := testutil.StartEmbeddedJetStream(t)
	q := queue.New(js)
	ctx := context.Background()

	require.NoError(t, q.EnsureStream(ctx, queue.StreamConfig{
		Name:     "INCOMING",
		Subjects: []string{"incoming"},
	}))

	for _, body := range []string{"one", "two", "three"} {
		_, err := q.Publish(ctx, "INCOMING", "incoming", []byte(body))
		require.NoError(t, err)
	}

	msgs, err := q.Fetch(ctx, "INCOMING", "READER", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "one", string(msgs[0].Data))
	require.Equal(t, "two", string(msgs[1].Data))
	require.Equal(t, "three", string(msgs[2].Data))
}

func TestFetchReturnsEmptyOnTimeoutNeverError(t *testing.T) {
	js := testutil.StartEmbeddedJetStream(t)
	q := queue.New(js)
	ctx := context.Background()

	require.NoError(t, q.EnsureStream(ctx, queue.StreamConfig{
		Name:     "EMPTY",
		Subjects: []string{"empty"},
	}))

	msgs, err := q.Fetch(ctx, "EMPTY", "READER", 5, 200*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAckIsIdempotent(t *testing.T) {
	js := testutil.StartEmbeddedJetStream(t)
	q := queue.New(js)
	ctx := context.Background()

	require.NoError(t, q.EnsureStream(ctx, queue.StreamConfig{
		Name:     "ACKTEST",
		Subjects: []string{"acktest"},
	}))
	_, err := q.Publish(ctx, "ACKTEST", "acktest", []byte("payload"))
	require.NoError(t, err)

	msgs, err := q.Fetch(ctx, "ACKTEST", "READER", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Ack("ACKTEST", msgs[0].Sequence))
	require.NoError(t, q.Ack("ACKTEST", msgs[0].Sequence)) // second ack: silent no-op
}

func TestNakRedelivers(t *testing.T) {
	js := testutil.StartEmbeddedJetStream(t)
	q := queue.New(js)
	ctx := context.Background()

	require.NoError(t, q.EnsureStream(ctx, queue.StreamConfig{
		Name:     "NAKTEST",
		Subjects: []string{"naktest"},
	}))
	_, err := q.Publish(ctx, "NAKTEST", "naktest", []byte("payload"))
	require.NoError(t, err)

	first, err := q.Fetch(ctx, "NAKTEST", "READER", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, q.Nak("NAKTEST", first[0].Sequence))

	second, err := q.Fetch(ctx, "NAKTEST", "READER", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].Sequence, second[0].Sequence)
}

func TestPushSubscribeDeliversAndAcks(t *testing.T) {
	js := testutil.StartEmbeddedJetStream(t)
	q := queue.New(js)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.EnsureStream(ctx, queue.StreamConfig{
		Name:     "PUSHTEST",
		Subjects: []string{"pushtest"},
	}))
	_, err := q.Publish(ctx, "PUSHTEST", "pushtest", []byte("hello"))
	require.NoError(t, err)

	received := make(chan queue.Msg, 1)
	stop, err := q.PushSubscribe(ctx, "PUSHTEST", "PUSHER", "", func(m queue.Msg) {
		received <- m
	})
	require.NoError(t, err)
	defer stop()

	select {
	case m := <-received:
		require.Equal(t, "hello", string(m.Data))
		require.NoError(t, q.Ack("PUSHTEST", m.Sequence))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push delivery")
	}
}
