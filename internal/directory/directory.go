// Package directory is the pre-fill controller's collaborator: a client
// over the directory REST endpoint that can enumerate the current object
// set for a (realm, topic) pair. The spec treats the directory itself as an
// external system specified only by this interface (spec.md §1 Non-goals);
// no repo in the pack talks to an LDAP-style directory over REST, so the
// implementation is a thin net/http client rather than an adapted
// third-party client.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client enumerates the directory's current object set for a realm/topic.
type Client interface {
	// ListObjects returns every current object under (realm, topic), each
	// as an opaque JSON object the pre-fill controller embeds verbatim as
	// an envelope's body.new.
	ListObjects(ctx context.Context, realm, topic string) ([]json.RawMessage, error)
}

// HTTPClient is the net/http-backed Client. The directory REST endpoint is
// expected to expose GET {baseURL}/{realm}/{topic} returning a JSON array
// of objects.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewHTTPClient(baseURL, username, password string) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) ListObjects(ctx context.Context, realm, topic string) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(realm), url.PathEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build request for %s/%s: %w", realm, topic, err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: request %s/%s: %w", realm, topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: %s/%s returned status %d", realm, topic, resp.StatusCode)
	}

	var objects []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&objects); err != nil {
		return nil, fmt.Errorf("directory: decode response for %s/%s: %w", realm, topic, err)
	}
	return objects, nil
}
