// Package messageservice serves the consumer-facing fetch and delete
// operations (spec.md §4.5), coordinating ordering between a subscription's
// pre-fill backlog and its live stream.
package messageservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provbus/internal/envelope"
	"provbus/internal/queue"
	"provbus/internal/registry"
	"provbus/util"
)

// ErrSubscriptionNotFound maps to the façade's 404 (spec.md §7).
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrPrefillFailed maps to the façade's 503: the administrator must repair
// a subscription whose prefill_queue_status is failed (spec.md §7).
var ErrPrefillFailed = errors.New("subscription prefill failed")

// Service implements get_messages and remove_message over the Message
// Queue Adapter and the Subscription Registry.
type Service struct {
	queue queue.Queue
	reg   *registry.Registry
}

func New(q queue.Queue, reg *registry.Registry) *Service {
	return &Service{queue: q, reg: reg}
}

// FetchRequest mirrors the GET …/messages query parameters (spec.md §6).
type FetchRequest struct {
	SubscriptionName string
	Count            int
	Timeout          time.Duration
	Pop              bool
	SkipPrefill      bool
}

// Fetch implements the source-selection algorithm of spec.md §4.5.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) ([]envelope.Delivered, error) {
	sub, found, err := s.reg.Get(ctx, req.SubscriptionName)
	if err != nil {
		return nil, fmt.Errorf("messageservice: lookup subscription %s: %w", req.SubscriptionName, err)
	}
	if !found {
		return nil, ErrSubscriptionNotFound
	}
	if sub.PrefillQueueStatus == registry.StatusFailed {
		return nil, ErrPrefillFailed
	}

	liveStream := util.LiveStreamName(sub.Name)
	prefillStream := util.PrefillStreamName(sub.Name)

	// prefill_queue_status alone is not enough: a prior pop=true drain may
	// already have deleted the prefill stream once it emptied (see the
	// retirement below), leaving status=done but no stream to fetch from.
	prefillStreamPresent, err := s.queue.StreamExists(ctx, prefillStream)
	if err != nil {
		return nil, fmt.Errorf("messageservice: check prefill stream %s: %w", prefillStream, err)
	}

	usePrefill := sub.RequestPrefill && sub.PrefillQueueStatus == registry.StatusDone && !req.SkipPrefill && prefillStreamPresent
	liveOnly := sub.PrefillQueueStatus == registry.StatusDone || req.SkipPrefill || !sub.RequestPrefill

	switch {
	case usePrefill:
		delivered, err := s.fetchAndAccount(ctx, prefillStream, req.Count, req.Timeout, req.Pop)
		if err != nil {
			return nil, err
		}
		if len(delivered) < req.Count {
			more, err := s.fetchAndAccount(ctx, liveStream, req.Count-len(delivered), req.Timeout, req.Pop)
			if err != nil {
				return nil, err
			}
			delivered = append(delivered, more...)
			// The prefill stream came back empty and we were draining with
			// pop=true: it has served its purpose, transition to live-only
			// from now on (spec.md §4.5 step 1).
			if req.Pop && s.streamIsEmpty(ctx, prefillStream) {
				if err := s.queue.DeleteStream(ctx, prefillStream); err != nil {
					return nil, fmt.Errorf("messageservice: delete drained prefill stream %s: %w", prefillStream, err)
				}
			}
		}
		return delivered, nil

	case liveOnly:
		return s.fetchAndAccount(ctx, liveStream, req.Count, req.Timeout, req.Pop)

	default:
		// pending or running: live delivery is blocked until prefill
		// finishes.
		return nil, nil
	}
}

// streamIsEmpty is a best-effort check: a fetch with a 50ms timeout through a
// separate "drain-check" durable consumer that returns no messages. It is
// only used to decide whether to retire a drained prefill stream and blocks
// for at most that 50ms.
func (s *Service) streamIsEmpty(ctx context.Context, stream string) bool {
	msgs, err := s.queue.Fetch(ctx, stream, "drain-check", 1, 50*time.Millisecond)
	return err == nil && len(msgs) == 0
}

// fetchAndAccount fetches up to count messages from stream and, per
// spec.md §4.5's pop vs explicit ack contract, acks them immediately when
// pop is true. The acks are issued before this call returns, and so before
// the caller writes any response: if the process crashes or the response
// write fails after that point, the popped messages are not redelivered
// (spec.md §9 Open Question 2).
func (s *Service) fetchAndAccount(ctx context.Context, stream string, count int, timeout time.Duration, pop bool) ([]envelope.Delivered, error) {
	if count <= 0 {
		return nil, nil
	}
	msgs, err := s.queue.Fetch(ctx, stream, util.ConsumerDurable, count, timeout)
	if err != nil {
		return nil, fmt.Errorf("messageservice: fetch %s: %w", stream, err)
	}

	out := make([]envelope.Delivered, 0, len(msgs))
	for _, msg := range msgs {
		var env envelope.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			// A record that fails to parse here was already validated at
			// ingress; treat it as unrecoverable for this fetch rather than
			// silently dropping a consumer's message.
			return nil, fmt.Errorf("messageservice: unmarshal delivered message %s/%d: %w", stream, msg.Sequence, err)
		}
		out = append(out, envelope.Delivered{
			Envelope:       env,
			SequenceNumber: msg.Sequence,
			Stream:         msg.Stream,
		})
		if pop {
			if err := s.queue.Ack(msg.Stream, msg.Sequence); err != nil {
				return nil, fmt.Errorf("messageservice: ack popped message %s/%d: %w", stream, msg.Sequence, err)
			}
		}
	}
	return out, nil
}

// StatusReport mirrors one element of the POST …/messages-status body
// (spec.md §6).
type StatusReport struct {
	Status        string `json:"status"`
	MessageSeqNum uint64 `json:"message_seq_num"`
	PublisherName string `json:"publisher_name"`
}

// ReportStatus acks (status "ok") or naks (anything else) a previously
// delivered message. The publisher name chooses between the prefill and
// the live stream: publisher udm-pre-fill selects the prefill stream,
// otherwise the live stream (spec.md §4.5's delete contract). Acking an
// unknown sequence number is a silent no-op (spec.md §7), which the
// underlying Queue.Ack/Nak already guarantee.
func (s *Service) ReportStatus(subscriptionName string, report StatusReport) error {
	stream := util.LiveStreamName(subscriptionName)
	if report.PublisherName == envelope.PublisherUDMPrefill {
		stream = util.PrefillStreamName(subscriptionName)
	}

	if report.Status == "ok" {
		return s.queue.Ack(stream, report.MessageSeqNum)
	}
	return s.queue.Nak(stream, report.MessageSeqNum)
}
