package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"provbus/internal/auth"
	"provbus/internal/config"
	"provbus/internal/messageservice"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Credentials bundles the identities the façade authenticates against
// (spec.md §6's admin/subscription/publisher auth classes).
type Credentials struct {
	Admin     auth.AdminCredentials
	Publisher auth.PublisherCredentials
}

// RunHTTPServer wires the chi router — admin subscription CRUD, consumer
// fetch/ack, events ingress, and the WS push alternative — and starts
// serving. It returns a channel that receives an error when the server
// exits, gracefully or not.
func RunHTTPServer(ctx context.Context, core *Core, creds Credentials, cfg HTTPServerConfig) <-chan error {
	errCh := make(chan error, 1)
	svc := messageservice.New(core.Queue, core.Registry)

	lookup := func(ctx context.Context, name string) (string, bool, error) {
		sub, found, err := core.Registry.Get(ctx, name)
		if err != nil || !found {
			return "", found, err
		}
		return sub.PasswordHash, true, nil
	}
	subscriptionOrAdmin := auth.RequireSubscriptionOrAdmin(creds.Admin, lookup)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(chiLogger)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/health", Health)

	r.Route("/internal/admin/v1", func(admin chi.Router) {
		admin.Use(auth.RequireAdmin(creds.Admin))
		admin.Post("/subscriptions", CreateSubscriptionHandler(core))
	})

	r.Route("/v1/subscriptions/{name}", func(sub chi.Router) {
		sub.Use(subscriptionOrAdmin)
		sub.Get("/", GetSubscriptionHandler(core))
		sub.Delete("/", DeleteSubscriptionHandler(core))
		sub.Get("/messages", GetMessagesHandler(core, svc))
		sub.Post("/messages-status", MessagesStatusHandler(svc))
		sub.Get("/ws", WSHandler(core, svc))
	})

	r.Route("/v1/events", func(events chi.Router) {
		events.Use(auth.RequirePublisher(creds.Publisher))
		events.Post("/", EventsHandler(core))
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errCh <- err
			return
		}
		errCh <- ctx.Err()
	}()

	go func() {
		var err error
		if cfg.EnableTLS {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return errCh
}

// chiLogger is a lightweight slog adapter for chi middleware, recording
// the provbus HTTP metrics series alongside a structured log line.
func chiLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(t0)
		routePattern := chi.RouteContext(r.Context()).RoutePattern()

		if config.HTTPRequestsTotal != nil {
			config.HTTPRequestsTotal.WithLabelValues(r.Method, routePattern, fmt.Sprint(ww.Status())).Inc()
			config.HTTPDuration.WithLabelValues(r.Method, routePattern).Observe(duration.Seconds())
		}
		slog.Info("http", "method", r.Method, "path", r.URL.Path, "route", routePattern, "duration", duration)
	})
}
