package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Adapter is the JetStream-backed implementation of Queue. It is the one
// concrete implementation the capability set in queue.go has today
// (spec.md §9's port/adapter note).
type Adapter struct {
	js jetstream.JetStream

	consumersMu sync.Mutex
	consumers   map[string]jetstream.Consumer // key: stream+"/"+durable

	pending sync.Map // key: pendingKey -> jetstream.Msg
}

type pendingKey struct {
	stream string
	seq    uint64
}

// New wraps an established JetStream context as a Queue.
func New(js jetstream.JetStream) *Adapter {
	return &Adapter{
		js:        js,
		consumers: make(map[string]jetstream.Consumer),
	}
}

func (a *Adapter) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	retention := jetstream.LimitsPolicy
	if cfg.WorkQueue {
		retention = jetstream.WorkQueuePolicy
	}
	_, err := a.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: retention,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (a *Adapter) StreamExists(ctx context.Context, stream string) (bool, error) {
	_, err := a.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stream %s: %w", stream, err)
	}
	return true, nil
}

func (a *Adapter) DeleteStream(ctx context.Context, stream string) error {
	err := a.js.DeleteStream(ctx, stream)
	if err != nil && !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("delete stream %s: %w", stream, err)
	}
	a.consumersMu.Lock()
	for key := range a.consumers {
		if len(key) >= len(stream) && key[:len(stream)] == stream {
			delete(a.consumers, key)
		}
	}
	a.consumersMu.Unlock()
	return nil
}

func (a *Adapter) Publish(ctx context.Context, stream, subject string, data []byte) (uint64, error) {
	ack, err := a.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("publish to %s/%s: %w", stream, subject, err)
	}
	return ack.Sequence, nil
}

func (a *Adapter) pullConsumer(ctx context.Context, stream, durable string, filterSubject string) (jetstream.Consumer, error) {
	key := stream + "/" + durable
	a.consumersMu.Lock()
	defer a.consumersMu.Unlock()
	if c, ok := a.consumers[key]; ok {
		return c, nil
	}
	cfg := jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if filterSubject != "" {
		cfg.FilterSubjects = []string{filterSubject}
	}
	c, err := a.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", key, err)
	}
	a.consumers[key] = c
	return c, nil
}

func (a *Adapter) Fetch(ctx context.Context, stream, durable string, maxCount int, timeout time.Duration) ([]Msg, error) {
	consumer, err := a.pullConsumer(ctx, stream, durable, "")
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, nil
		}
		return nil, err
	}

	batch, err := consumer.Fetch(maxCount, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if isDeadlineErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s/%s: %w", stream, durable, err)
	}

	var out []Msg
	for raw := range batch.Messages() {
		meta, err := raw.Metadata()
		if err != nil {
			continue
		}
		seq := meta.Sequence.Stream
		a.pending.Store(pendingKey{stream: stream, seq: seq}, raw)
		out = append(out, Msg{
			Stream:   stream,
			Subject:  raw.Subject(),
			Sequence: seq,
			Data:     raw.Data(),
		})
	}
	if err := batch.Error(); err != nil && !isDeadlineErr(err) {
		return out, fmt.Errorf("fetch %s/%s: %w", stream, durable, err)
	}
	return out, nil
}

func isDeadlineErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, jetstream.ErrNoMessages) ||
		errors.Is(err, nats.ErrTimeout)
}

func (a *Adapter) PushSubscribe(ctx context.Context, stream, durable, filterSubject string, handler func(Msg)) (func(), error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if filterSubject != "" {
		cfg.FilterSubjects = []string{filterSubject}
	}
	consumer, err := a.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("push consumer %s/%s: %w", stream, durable, err)
	}

	consumeCtx, err := consumer.Consume(func(raw jetstream.Msg) {
		meta, err := raw.Metadata()
		if err != nil {
			return
		}
		seq := meta.Sequence.Stream
		a.pending.Store(pendingKey{stream: stream, seq: seq}, raw)
		handler(Msg{
			Stream:   stream,
			Subject:  raw.Subject(),
			Sequence: seq,
			Data:     raw.Data(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s/%s: %w", stream, durable, err)
	}

	stop := func() { consumeCtx.Stop() }
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (a *Adapter) Ack(stream string, seq uint64) error {
	key := pendingKey{stream: stream, seq: seq}
	v, ok := a.pending.LoadAndDelete(key)
	if !ok {
		// Unknown or already-acked sequence: idempotent no-op (spec.md §7).
		return nil
	}
	msg := v.(jetstream.Msg)
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack %s#%d: %w", stream, seq, err)
	}
	return nil
}

func (a *Adapter) Nak(stream string, seq uint64) error {
	key := pendingKey{stream: stream, seq: seq}
	v, ok := a.pending.LoadAndDelete(key)
	if !ok {
		return nil
	}
	msg := v.(jetstream.Msg)
	if err := msg.Nak(); err != nil {
		return fmt.Errorf("nak %s#%d: %w", stream, seq, err)
	}
	return nil
}

func (a *Adapter) InProgress(stream string, seq uint64) error {
	key := pendingKey{stream: stream, seq: seq}
	v, ok := a.pending.Load(key)
	if !ok {
		return nil
	}
	msg := v.(jetstream.Msg)
	if err := msg.InProgress(); err != nil {
		return fmt.Errorf("in-progress %s#%d: %w", stream, seq, err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, stream string, seq uint64) error {
	s, err := a.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil
		}
		return fmt.Errorf("stream %s: %w", stream, err)
	}
	if err := s.DeleteMsg(ctx, seq); err != nil {
		return fmt.Errorf("delete msg %s#%d: %w", stream, seq, err)
	}
	return nil
}
