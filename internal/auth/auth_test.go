package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"provbus/internal/auth"

	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPasswordRoundTrip(t *testing.T) {
	hash, err := auth.HashPassword("s3cr3t")
	require.NoError(t, err)
	require.True(t, auth.CheckPassword(hash, "s3cr3t"))
	require.False(t, auth.CheckPassword(hash, "wrong"))
}

func TestRequireAdminRejectsWrongCredentials(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	creds := auth.AdminCredentials{Username: "admin", PasswordHash: hash}
	handler := auth.RequireAdmin(creds)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/admin/v1/subscriptions", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/internal/admin/v1/subscriptions", nil)
	req2.SetBasicAuth("admin", "hunter2")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestRequireSubscriptionOrAdminAcceptsSubscriptionOrAdmin(t *testing.T) {
	hash, err := auth.HashPassword("sub-pass")
	require.NoError(t, err)
	adminHash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)

	admin := auth.AdminCredentials{Username: "admin", PasswordHash: adminHash}
	lookup := func(ctx context.Context, name string) (string, bool, error) {
		if name == "s1" {
			return hash, true, nil
		}
		return "", false, nil
	}

	var gotIdentity auth.Identity
	handler := auth.RequireSubscriptionOrAdmin(admin, lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity, _ = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/s1", nil)
	req.SetBasicAuth("s1", "sub-pass")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, auth.KindSubscription, gotIdentity.Kind)

	req2 := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/s1", nil)
	req2.SetBasicAuth("s1", "wrong")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusUnauthorized, rec2.Code)

	req3 := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/s1", nil)
	req3.SetBasicAuth("ghost", "whatever")
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)
	require.Equal(t, http.StatusUnauthorized, rec3.Code)

	req4 := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/s1", nil)
	req4.SetBasicAuth("admin", "hunter2")
	rec4 := httptest.NewRecorder()
	handler.ServeHTTP(rec4, req4)
	require.Equal(t, http.StatusOK, rec4.Code)
}
