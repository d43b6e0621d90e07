package directory_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"provbus/internal/directory"

	"github.com/stretchr/testify/require"
)

func TestListObjectsParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/udm/users%2Fuser", r.URL.EscapedPath())
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "svc", user)
		require.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"dn":"a"},{"dn":"b"}]`))
	}))
	defer srv.Close()

	c := directory.NewHTTPClient(srv.URL, "svc", "secret")
	objs, err := c.ListObjects(context.Background(), "udm", "users/user")
	require.NoError(t, err)
	require.Len(t, objs, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(objs[0], &first))
	require.Equal(t, "a", first["dn"])
}

func TestListObjectsErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := directory.NewHTTPClient(srv.URL, "", "")
	_, err := c.ListObjects(context.Background(), "udm", "users/user")
	require.Error(t, err)
}
