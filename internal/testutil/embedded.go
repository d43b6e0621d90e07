// Package testutil starts an in-process NATS/JetStream server for tests,
// the same way internal/platform's embedded_server.go does for production —
// tests exercise the real queue and KV adapters rather than mocks.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StartEmbeddedJetStream boots an in-process, non-listening NATS server with
// JetStream enabled in a temp directory, connects a client to it, and
// registers cleanup with t. Returns a ready jetstream.JetStream context.
func StartEmbeddedJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	opts := &server.Options{
		ServerName: "provbus-test",
		DontListen: true,
		JetStream:  true,
		StoreDir:   t.TempDir(),
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL(), nats.InProcessServer(ns))
	if err != nil {
		t.Fatalf("connect to embedded nats: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream context: %v", err)
	}
	return js
}
