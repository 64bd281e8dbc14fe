// Package remote is the HTTP client for the farm management API, the system
// of record that queued mutations are replayed against.
//
// The client distinguishes transient failures (network errors, 5xx,
// timeouts) from permanent ones (most 4xx). Transient failures leave a queue
// entry pending for the next drain; permanent failures dead-letter it, since
// retrying a request the server has rejected as invalid can never succeed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paddocklabs/paddock/internal/schema"
)

// StatusError is a non-2xx response from the remote API.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: remote returned %d", e.Method, e.URL, e.StatusCode)
}

// Permanent reports whether retrying the same request is pointless.
// 404 is excluded because deletes treat it as success and the rest of the
// engine tolerates it; 408 and 429 are server-side throttling, not a verdict
// on the request.
func (e *StatusError) Permanent() bool {
	if e.StatusCode == http.StatusNotFound ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a remote failure that will never
// succeed on retry.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Client talks to the remote farm management API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the API at baseURL (e.g. "https://api.example.com").
// Individual requests carry the transport timeout; the engine treats any
// timeout as a transient failure.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// createResponse captures the canonical id the server assigns on create.
type createResponse struct {
	ID string `json:"_id"`
}

// Create POSTs a new entity and returns the server-assigned canonical id.
func (c *Client) Create(ctx context.Context, t schema.EntityType, payload []byte) (string, error) {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", t)
	}

	u := fmt.Sprintf("%s/api/%s", c.baseURL, tbl.Resource)
	body, err := c.do(ctx, http.MethodPost, u, payload)
	if err != nil {
		return "", err
	}

	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create response missing _id")
	}
	return resp.ID, nil
}

// Update PUTs an entity keyed by its canonical id.
func (c *Client) Update(ctx context.Context, t schema.EntityType, id string, payload []byte) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}

	u := fmt.Sprintf("%s/api/%s/%s", c.baseURL, tbl.Resource, url.PathEscape(id))
	_, err := c.do(ctx, http.MethodPut, u, payload)
	return err
}

// Delete removes an entity remotely. A 404 counts as success: the entity is
// already gone, which is the state the delete wanted.
func (c *Client) Delete(ctx context.Context, t schema.EntityType, id string) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}

	u := fmt.Sprintf("%s/api/%s/%s", c.baseURL, tbl.Resource, url.PathEscape(id))
	_, err := c.do(ctx, http.MethodDelete, u, nil)

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// List fetches the authoritative entity set for t, optionally filtered
// (e.g. query = url.Values{"farmerId": {...}}).
func (c *Client) List(ctx context.Context, t schema.EntityType, query url.Values) ([]schema.Entity, error) {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	u := fmt.Sprintf("%s/api/%s", c.baseURL, tbl.Resource)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", t, err)
	}

	entities := make([]schema.Entity, 0, len(raw))
	for _, item := range raw {
		e := tbl.New()
		if err := json.Unmarshal(item, e); err != nil {
			return nil, fmt.Errorf("failed to decode %s list item: %w", t, err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// do issues one request and returns the response body for 2xx statuses.
func (c *Client) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Method: method, URL: u}
	}
	return data, nil
}
