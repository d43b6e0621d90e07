// Package envelope defines the message envelope that flows from publisher
// to incoming, from incoming to per-subscription streams, and from a
// per-subscription stream to a consumer fetch.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known publisher names. Anything else is treated as a free-form
// events-api publisher per spec.md §3.
const (
	PublisherUDMListener = "udm-listener"
	PublisherUDMPrefill  = "udm-pre-fill"
)

// Envelope is the immutable record published once and carried unchanged
// through every stream it transits.
type Envelope struct {
	PublisherName string          `json:"publisher_name"`
	Ts            time.Time       `json:"ts"`
	Realm         string          `json:"realm"`
	Topic         string          `json:"topic"`
	Body          json.RawMessage `json:"body"`
}

// Delivered wraps an Envelope with the delivery metadata a consumer needs to
// later reference the exact stream record (for ack/nak via remove_message).
type Delivered struct {
	Envelope
	SequenceNumber uint64 `json:"sequence_number"`
	Stream         string `json:"-"`
}

// RealmTopicKey returns the "realm:topic" composite key used for dispatcher
// lookups and the subscription index.
func (e Envelope) RealmTopicKey() string {
	return e.Realm + ":" + e.Topic
}

// Validate rejects malformed envelopes before they are written to the
// incoming stream. The canonical body shape is a JSON object; the
// duck-typed "sometimes a string" shape the original system tolerated is
// explicitly rejected here.
func (e Envelope) Validate() error {
	if e.PublisherName == "" {
		return fmt.Errorf("publisher_name is required")
	}
	if e.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if e.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(e.Body) == 0 {
		return fmt.Errorf("body is required")
	}
	var asObject map[string]any
	if err := json.Unmarshal(e.Body, &asObject); err != nil {
		return fmt.Errorf("body must be a JSON object: %w", err)
	}
	if e.Realm == "udm" {
		if _, hasOld := asObject["old"]; !hasOld {
			if _, hasNew := asObject["new"]; !hasNew {
				return fmt.Errorf("udm realm body must carry old or new")
			}
		}
	}
	return nil
}

// WithTimestampStamped returns a copy of e with Ts set to now if it was left
// zero by the publisher, per spec.md §4.6 ("stamps ts if absent").
func (e Envelope) WithTimestampStamped(now time.Time) Envelope {
	if e.Ts.IsZero() {
		e.Ts = now
	}
	return e
}
