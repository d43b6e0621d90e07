// Package util holds small helpers shared by the registry, dispatcher,
// message service, pre-fill controller, and HTTP façade for composing the
// string keys the rest of the system treats as opaque identifiers.
package util

import (
	"fmt"
	"strings"
)

// RealmTopicKey composes the canonical "realm:topic" composite key used as
// the subscription index's KV key and the dispatcher's in-memory map key.
func RealmTopicKey(realm, topic string) string {
	return realm + ":" + topic
}

// SplitRealmTopicKey is the inverse of RealmTopicKey.
func SplitRealmTopicKey(key string) (realm, topic string, ok bool) {
	realm, topic, found := strings.Cut(key, ":")
	return realm, topic, found
}

// SubscriptionKey returns the KV key a subscription record is stored under.
func SubscriptionKey(name string) string {
	return "subscription:" + name
}

// IndexKey returns the KV key the realm:topic index entry is stored under.
func IndexKey(realmTopic string) string {
	return "index:" + realmTopic
}

// IncomingStream is the single stream every publisher writes to before the
// dispatcher fans events out (spec.md §3).
const IncomingStream = "incoming"

// IncomingSubject is the subject the incoming stream is bound to.
const IncomingSubject = "incoming.events"

// IncomingDurable names the dispatcher's durable push consumer on the
// incoming stream.
const IncomingDurable = "dispatcher"

// ConsumerDurable names the consumer-facing durable pull consumer created
// on a subscription's live or prefill stream by the Message Service. One
// name per stream is sufficient: spec.md models one consumer per
// subscription, not per client.
const ConsumerDurable = "consumer"

// LiveStreamName returns the JetStream stream name for a subscription's live
// per-subscription stream.
func LiveStreamName(subscriptionName string) string {
	return "SUB_" + sanitize(subscriptionName)
}

// PrefillStreamName returns the JetStream stream name for a subscription's
// pre-fill backlog stream.
func PrefillStreamName(subscriptionName string) string {
	return "PREFILL_" + sanitize(subscriptionName)
}

// LiveSubject returns the subject a subscription's live stream publishes on.
func LiveSubject(subscriptionName string) string {
	return fmt.Sprintf("subscription.%s", sanitize(subscriptionName))
}

// PrefillSubject returns the subject a subscription's pre-fill stream
// publishes on.
func PrefillSubject(subscriptionName string) string {
	return fmt.Sprintf("prefill.%s", sanitize(subscriptionName))
}

// SplitNames parses an index entry's comma-separated subscription name list.
func SplitNames(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinNames is the inverse of SplitNames.
func JoinNames(names []string) string {
	return strings.Join(names, ",")
}

// sanitize replaces characters that are legal in a subscription name but not
// in a NATS stream/subject token.
func sanitize(name string) string {
	replacer := strings.NewReplacer(
		".", "_",
		"*", "_",
		">", "_",
		" ", "_",
	)
	return replacer.Replace(name)
}
