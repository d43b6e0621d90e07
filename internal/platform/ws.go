package platform

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"provbus/internal/messageservice"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// provbus is a consumer-facing API, not a browser app: same-origin
	// checks don't apply the way they would to a cookie-authenticated page,
	// and the connection is already Basic-authenticated before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves WS /v1/subscriptions/{name}/ws, the optional push
// alternative to the fetch endpoint (spec.md §6): each frame sent to the
// client is one envelope, each frame received is a status report in the
// same schema as POST …/messages-status.
func WSHandler(core *Core, svc *messageservice.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !authorizedForSubscription(r, name) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("ws upgrade failed", "subscription", name, "err", err)
			return
		}
		connID := uuid.NewString()
		defer conn.Close()

		slog.Info("ws connected", "subscription", name, "conn_id", connID)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		done := make(chan struct{})
		go wsReadStatusReports(conn, name, svc, done, cancel)
		wsPushLoop(ctx, conn, name, svc, done)
		slog.Info("ws disconnected", "subscription", name, "conn_id", connID)
	}
}

// wsPushLoop fetches messages for the subscription and pushes each as its
// own frame, until the client disconnects or ctx is canceled.
func wsPushLoop(ctx context.Context, conn *websocket.Conn, name string, svc *messageservice.Service, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		delivered, err := svc.Fetch(ctx, messageservice.FetchRequest{
			SubscriptionName: name,
			Count:            10,
			Timeout:          5 * time.Second,
		})
		if err != nil {
			slog.Error("ws fetch failed", "subscription", name, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, env := range delivered {
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// wsReadStatusReports reads status reports off the client's side of the
// connection and applies them, the same schema as the POST endpoint. It
// calls cancel once the connection closes so wsPushLoop stops too.
func wsReadStatusReports(conn *websocket.Conn, name string, svc *messageservice.Service, done chan<- struct{}, cancel context.CancelFunc) {
	defer close(done)
	defer cancel()
	for {
		var report messageservice.StatusReport
		if err := conn.ReadJSON(&report); err != nil {
			return
		}
		if err := svc.ReportStatus(name, report); err != nil {
			slog.Error("ws status report failed", "subscription", name, "err", err)
		}
	}
}
