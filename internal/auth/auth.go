// Package auth implements HTTP Basic authentication for the three caller
// classes spec.md §6 names: admin, subscription (consumer), and publisher.
// Credentials are never logged and authentication failures never reveal
// whether a subscription name exists (spec.md §7).
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword bcrypt-hashes a plaintext password for storage in a
// subscription record or admin credential config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckPassword reports whether password matches hash. A malformed hash is
// treated as a non-match rather than an error, so a configuration mistake
// fails closed.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type contextKey int

const identityContextKey contextKey = iota

// Identity is the authenticated caller attached to the request context by
// the middlewares below.
type Identity struct {
	Kind IdentityKind
	Name string
}

type IdentityKind int

const (
	KindAdmin IdentityKind = iota
	KindSubscription
	KindPublisher
)

// IdentityFromContext retrieves the Identity a middleware attached, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

func withIdentity(r *http.Request, id Identity) *http.Request {
	return r.WithContext(ContextWithIdentity(r.Context(), id))
}

// ContextWithIdentity attaches id to ctx the same way the middlewares below
// do, for callers (tests, non-HTTP call paths) that need to simulate an
// authenticated request without going through BasicAuth.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func unauthorized(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// constantTimeEqual compares two strings without leaking timing
// information about where they first differ.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AdminCredentials holds the single configured admin identity: a username
// and the bcrypt hash of its password (PROVBUS_ADMIN_PASSWORD_HASH), stored
// hashed the same way a subscription's password is (spec.md §6
// configuration: "admin credentials").
type AdminCredentials struct {
	Username     string
	PasswordHash string
}

// RequireAdmin authenticates the single admin identity configured at
// startup. Used for POST /internal/admin/v1/subscriptions.
func RequireAdmin(creds AdminCredentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(user, creds.Username) || !CheckPassword(creds.PasswordHash, pass) {
				unauthorized(w, "provbus-admin")
				return
			}
			next.ServeHTTP(w, withIdentity(r, Identity{Kind: KindAdmin, Name: user}))
		})
	}
}

// PublisherCredentials holds the single configured publisher identity used
// by the events endpoint (spec.md §6's "publisher-auth").
type PublisherCredentials struct {
	Username string
	Password string
}

// RequirePublisher authenticates the events-ingress publisher identity.
func RequirePublisher(creds PublisherCredentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(user, creds.Username) || !constantTimeEqual(pass, creds.Password) {
				unauthorized(w, "provbus-events")
				return
			}
			next.ServeHTTP(w, withIdentity(r, Identity{Kind: KindPublisher, Name: user}))
		})
	}
}

// SubscriptionPasswordLookup resolves a subscription's stored bcrypt hash,
// or found=false if the name is unknown. Kept as a narrow function type
// rather than the full registry interface so auth does not import registry.
type SubscriptionPasswordLookup func(ctx context.Context, name string) (hash string, found bool, err error)

// RequireSubscriptionOrAdmin authenticates either the configured admin
// identity or the subscription named in the BasicAuth username, whose
// password must match its stored hash. Used for the per-subscription
// consumer routes; the admin escape hatch covers DELETE's "admin or self"
// rule (spec.md §6).
func RequireSubscriptionOrAdmin(admin AdminCredentials, lookup SubscriptionPasswordLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				unauthorized(w, "provbus")
				return
			}

			if constantTimeEqual(user, admin.Username) && CheckPassword(admin.PasswordHash, pass) {
				next.ServeHTTP(w, withIdentity(r, Identity{Kind: KindAdmin, Name: user}))
				return
			}

			hash, found, err := lookup(r.Context(), user)
			if err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			// Whether or not the name exists, run the same bcrypt
			// comparison shape so a missing subscription and a wrong
			// password are indistinguishable in timing and response
			// (spec.md §7: auth failure never reveals subscription
			// existence).
			if !found {
				hash = inertHash
			}
			if !CheckPassword(hash, pass) {
				unauthorized(w, "provbus")
				return
			}

			next.ServeHTTP(w, withIdentity(r, Identity{Kind: KindSubscription, Name: user}))
		})
	}
}

// inertHash is a valid bcrypt hash of a password no real caller knows,
// used so the not-found path costs the same bcrypt comparison as the
// found-but-wrong-password path.
const inertHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOa6zXMvPSXDcJLg.OALV8k3XJlC3e8Sq"
