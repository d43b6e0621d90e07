// Command provbusd is the provbus entrypoint: it loads configuration,
// brings up the NATS/JetStream connection (embedded or external), wires
// the core components, and serves the HTTP façade until shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"provbus/internal/auth"
	"provbus/internal/config"
	"provbus/internal/platform"

	"github.com/nats-io/nats.go"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	config.InitLogger(cfg.LogLevel)
	config.InitMetrics()

	if cfg.AdminPasswordHash == "" {
		slog.Error("startup configuration failure: PROVBUS_ADMIN_PASSWORD_HASH is required")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nc, natsErrCh, err := connectNATS(ctx, cfg)
	if err != nil {
		slog.Error("nats connection failed", "err", err)
		return 1
	}
	defer nc.Drain()

	core, err := platform.BuildCore(ctx, nc, cfg.KVBucket, cfg.DirectoryURL, cfg.DirectoryUser, cfg.DirectoryPassword)
	if err != nil {
		slog.Error("core wiring failed", "err", err)
		return 1
	}

	coreErrCh := make(chan error, 1)
	go func() { coreErrCh <- core.Run(ctx) }()

	httpErrCh := platform.RunHTTPServer(ctx, core, platform.Credentials{
		Admin:     auth.AdminCredentials{Username: cfg.AdminUser, PasswordHash: cfg.AdminPasswordHash},
		Publisher: auth.PublisherCredentials{Username: "events", Password: cfg.EventsCreds},
	}, platform.NewHTTPServerConfig(cfg.HTTPAddr, cfg.HTTPTLSCert, cfg.HTTPTLSKey))

	select {
	case err := <-httpErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("http server", "err", err)
			return 1
		}
	case err := <-natsErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("nats", "err", err)
			return 1
		}
	case err := <-coreErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("core run", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	slog.Info("shutdown complete")
	return 0
}

// connectNATS dials the configured NATS URL, or boots an in-process
// embedded server when PROVBUS_NATS_EMBEDDED is true (the default when it
// is unset) — the same choice the
// teacher's entrypoint makes between RunEmbeddedServer and a plain Connect.
func connectNATS(ctx context.Context, cfg *config.Config) (*nats.Conn, <-chan error, error) {
	if cfg.NATSEmbedded {
		nc, _, errCh, err := platform.RunEmbeddedServer(ctx, platform.EmbeddedServerConfig{
			InProcess:     true,
			EnableLogging: true,
			JetStream:     true,
			StoreDir:      "./store/js",
		})
		return nc, errCh, err
	}

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return nc, errCh, nil
}
