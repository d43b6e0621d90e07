package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"provbus/internal/auth"
	"provbus/internal/envelope"
	"provbus/internal/messageservice"
	"provbus/internal/registry"
	"provbus/util"

	"github.com/go-chi/chi/v5"
)

// subscriptionResponse mirrors registry.Subscription for API responses,
// omitting PasswordHash: the bcrypt hash is storage-internal and must never
// reach a caller, even one authorized for the subscription itself.
type subscriptionResponse struct {
	Name               string                `json:"name"`
	RealmsTopics       []registry.RealmTopic `json:"realms_topics"`
	RequestPrefill     bool                  `json:"request_prefill"`
	PrefillQueueStatus string                `json:"prefill_queue_status"`
}

func toSubscriptionResponse(sub registry.Subscription) subscriptionResponse {
	return subscriptionResponse{
		Name:               sub.Name,
		RealmsTopics:       sub.RealmsTopics,
		RequestPrefill:     sub.RequestPrefill,
		PrefillQueueStatus: sub.PrefillQueueStatus,
	}
}

// Health returns 200 OK.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// createSubscriptionRequest mirrors POST /internal/admin/v1/subscriptions'
// body (spec.md §6).
type createSubscriptionRequest struct {
	Name           string     `json:"name"`
	RealmsTopics   [][]string `json:"realms_topics"`
	RequestPrefill bool       `json:"request_prefill"`
	Password       string     `json:"password"`
}

// CreateSubscriptionHandler handles POST /internal/admin/v1/subscriptions.
func CreateSubscriptionHandler(core *Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" || len(req.RealmsTopics) == 0 || req.Password == "" {
			writeError(w, http.StatusBadRequest, "name, realms_topics, and password are required")
			return
		}

		realmsTopics := make([]registry.RealmTopic, 0, len(req.RealmsTopics))
		for _, pair := range req.RealmsTopics {
			if len(pair) != 2 {
				writeError(w, http.StatusBadRequest, "each realms_topics entry must be [realm, topic]")
				return
			}
			realmsTopics = append(realmsTopics, registry.RealmTopic{Realm: pair[0], Topic: pair[1]})
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}

		sub := registry.Subscription{
			Name:           req.Name,
			RealmsTopics:   realmsTopics,
			RequestPrefill: req.RequestPrefill,
			PasswordHash:   hash,
		}

		if err := core.Registry.Create(r.Context(), sub); err != nil {
			if errors.Is(err, registry.ErrAlreadyExists) {
				writeError(w, http.StatusConflict, "subscription already exists")
				return
			}
			slog.Error("create subscription failed", "name", req.Name, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to create subscription")
			return
		}

		if req.RequestPrefill {
			created, _, err := core.Registry.Get(r.Context(), req.Name)
			if err == nil {
				core.Prefill.Start(core.lifetime, created)
			}
		}

		writeJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
	}
}

// authorizedForSubscription reports whether the request's authenticated
// identity (attached by auth.RequireSubscriptionOrAdmin) may act on the
// subscription named by the URL — the admin identity always may; a
// subscription identity only may act on itself.
func authorizedForSubscription(r *http.Request, name string) bool {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return false
	}
	if id.Kind == auth.KindAdmin {
		return true
	}
	return id.Kind == auth.KindSubscription && id.Name == name
}

// GetSubscriptionHandler handles GET /v1/subscriptions/{name}.
func GetSubscriptionHandler(core *Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !authorizedForSubscription(r, name) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sub, found, err := core.Registry.Get(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	}
}

// DeleteSubscriptionHandler handles DELETE /v1/subscriptions/{name}.
func DeleteSubscriptionHandler(core *Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !authorizedForSubscription(r, name) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := core.Registry.Delete(r.Context(), name); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				writeError(w, http.StatusNotFound, "subscription not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "delete failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// GetMessagesHandler handles
// GET /v1/subscriptions/{name}/messages?count=&timeout=&pop=&skip_prefill=.
func GetMessagesHandler(core *Core, svc *messageservice.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !authorizedForSubscription(r, name) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		q := r.URL.Query()

		count, err := strconv.Atoi(q.Get("count"))
		if err != nil || count < 1 {
			count = 1
		}
		timeoutSeconds, err := strconv.ParseFloat(q.Get("timeout"), 64)
		if err != nil || timeoutSeconds <= 0 {
			timeoutSeconds = 5
		}

		req := messageservice.FetchRequest{
			SubscriptionName: name,
			Count:            count,
			Timeout:          time.Duration(timeoutSeconds * float64(time.Second)),
			Pop:              q.Get("pop") == "true",
			SkipPrefill:      q.Get("skip_prefill") == "true",
		}

		delivered, err := svc.Fetch(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, messageservice.ErrSubscriptionNotFound):
				writeError(w, http.StatusNotFound, "subscription not found")
			case errors.Is(err, messageservice.ErrPrefillFailed):
				writeError(w, http.StatusServiceUnavailable, "subscription pre-fill failed; administrator must repair")
			default:
				slog.Error("fetch messages failed", "subscription", name, "err", err)
				writeError(w, http.StatusInternalServerError, "fetch failed")
			}
			return
		}
		if delivered == nil {
			delivered = []envelope.Delivered{}
		}
		writeJSON(w, http.StatusOK, delivered)
	}
}

// MessagesStatusHandler handles POST /v1/subscriptions/{name}/messages-status.
// The body is one report or a JSON array of reports (spec.md §6).
func MessagesStatusHandler(svc *messageservice.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !authorizedForSubscription(r, name) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		reports, err := decodeStatusReports(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		for _, report := range reports {
			if err := svc.ReportStatus(name, report); err != nil {
				slog.Error("report status failed", "subscription", name, "err", err)
				writeError(w, http.StatusInternalServerError, "failed to apply status report")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func decodeStatusReports(r *http.Request) ([]messageservice.StatusReport, error) {
	raw, err := decodeRawJSON(r)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}

	var list []messageservice.StatusReport
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var single messageservice.StatusReport
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("body must be a status report or a list of status reports")
	}
	return []messageservice.StatusReport{single}, nil
}

func decodeRawJSON(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// EventsHandler handles POST /v1/events, the Event Ingress (spec.md §4.6).
func EventsHandler(core *Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := envelope.ValidateShape(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		env = env.WithTimestampStamped(time.Now())

		if err := env.Validate(); err != nil {
			// Malformed events never reach incoming (spec.md §7 distinguishes
			// malformed events that have already been admitted to incoming,
			// which are dropped there, from ones rejected at ingress).
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		data, err := json.Marshal(env)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode envelope")
			return
		}

		if err := publishIncoming(r.Context(), core, data); err != nil {
			slog.Error("publish to incoming failed", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to accept event")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func publishIncoming(ctx context.Context, core *Core, data []byte) error {
	_, err := core.Queue.Publish(ctx, util.IncomingStream, util.IncomingSubject, data)
	return err
}
