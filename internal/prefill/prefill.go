// Package prefill implements the Pre-fill Controller (spec.md §4.4): for a
// subscription created with request_prefill=true, it drains the directory
// once into that subscription's prefill:<name> stream before live delivery
// begins.
package prefill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"provbus/internal/directory"
	"provbus/internal/envelope"
	"provbus/internal/queue"
	"provbus/internal/registry"
	"provbus/util"

	"github.com/rs/xid"
)

// Controller runs one job per subscription that requested a snapshot. Jobs
// are tracked in a map keyed by subscription name so a duplicate request
// (e.g. a retried create) does not start a second concurrent drain.
type Controller struct {
	queue queue.Queue
	reg   *registry.Registry
	dir   directory.Client

	jobs sync.Map // subscription name -> struct{}
}

func New(q queue.Queue, reg *registry.Registry, dir directory.Client) *Controller {
	return &Controller{queue: q, reg: reg, dir: dir}
}

// Start launches the drain for sub in the background. It is idempotent per
// process: calling it again for a subscription whose job is already
// in-flight is a no-op. ctx governs the job's lifetime; callers typically
// pass a context tied to process shutdown, not the originating HTTP
// request.
func (c *Controller) Start(ctx context.Context, sub registry.Subscription) {
	if !sub.RequestPrefill {
		return
	}
	if _, alreadyRunning := c.jobs.LoadOrStore(sub.Name, struct{}{}); alreadyRunning {
		slog.Warn("prefill: drain already in flight, ignoring duplicate start", "subscription", sub.Name)
		return
	}

	runID := xid.New().String()
	go func() {
		defer c.jobs.Delete(sub.Name)
		if err := c.run(ctx, runID, sub); err != nil {
			slog.Error("prefill: drain failed", "subscription", sub.Name, "run_id", runID, "err", err)
		}
	}()
}

// run performs the drain described by spec.md §4.4. It is safe to re-run
// against an existing prefill stream: re-publishing the same snapshot
// produces duplicates, which consumers must already tolerate as idempotent
// state snapshots. runID tags every log line of one drain so concurrent or
// repeated drains of the same subscription can be told apart.
func (c *Controller) run(ctx context.Context, runID string, sub registry.Subscription) error {
	slog.Info("prefill: drain starting", "subscription", sub.Name, "run_id", runID)
	if err := c.reg.SetPrefillStatus(ctx, sub.Name, registry.StatusRunning); err != nil {
		return fmt.Errorf("set status running: %w", err)
	}

	stream := util.PrefillStreamName(sub.Name)
	subject := util.PrefillSubject(sub.Name)
	if err := c.queue.EnsureStream(ctx, queue.StreamConfig{Name: stream, Subjects: []string{subject}}); err != nil {
		return c.fail(ctx, sub.Name, fmt.Errorf("ensure prefill stream: %w", err))
	}

	// realms_topics order is preserved: topics earlier in the list appear
	// earlier in the prefill stream (spec.md §4.4).
	for _, rt := range sub.RealmsTopics {
		objects, err := c.dir.ListObjects(ctx, rt.Realm, rt.Topic)
		if err != nil {
			return c.fail(ctx, sub.Name, fmt.Errorf("list objects for %s:%s: %w", rt.Realm, rt.Topic, err))
		}
		for _, obj := range objects {
			body, err := json.Marshal(struct {
				New json.RawMessage `json:"new"`
			}{New: obj})
			if err != nil {
				return c.fail(ctx, sub.Name, fmt.Errorf("marshal prefill body: %w", err))
			}
			env := envelope.Envelope{
				PublisherName: envelope.PublisherUDMPrefill,
				Ts:            time.Now(),
				Realm:         rt.Realm,
				Topic:         rt.Topic,
				Body:          body,
			}
			data, err := json.Marshal(env)
			if err != nil {
				return c.fail(ctx, sub.Name, fmt.Errorf("marshal prefill envelope: %w", err))
			}
			if _, err := c.queue.Publish(ctx, stream, subject, data); err != nil {
				return c.fail(ctx, sub.Name, fmt.Errorf("publish prefill message for %s:%s: %w", rt.Realm, rt.Topic, err))
			}
		}
	}

	if err := c.reg.SetPrefillStatus(ctx, sub.Name, registry.StatusDone); err != nil {
		return fmt.Errorf("set status done: %w", err)
	}
	slog.Info("prefill: drain done", "subscription", sub.Name, "run_id", runID)
	return nil
}

func (c *Controller) fail(ctx context.Context, name string, cause error) error {
	if err := c.reg.SetPrefillStatus(ctx, name, registry.StatusFailed); err != nil {
		slog.Error("prefill: failed to record failed status", "subscription", name, "err", err)
	}
	return cause
}
