// Package remote is the HTTP client for the shared store API.
//
// The client never interprets sync semantics: it ships requests, enforces
// a bounded timeout, and distinguishes per-item outcomes (in the response
// body) from transport failures (returned as errors).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	syncwire "github.com/cadenzadev/cadenza/internal/sync"
)

// DefaultTimeout bounds every remote request. A timed-out request is a
// retryable failure, never a conflict: the true remote state is unknown.
const DefaultTimeout = 30 * time.Second

// Client talks to one remote store endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a Client for the given base URL. The bearer token comes
// from the session collaborator; empty means unauthenticated (dev mode).
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ping checks connectivity to the remote store.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Push sends one batch of local mutations. Per-record accepts and rejects
// come back in the body; a non-2xx status is a transport-level failure.
func (c *Client) Push(ctx context.Context, req syncwire.PushRequest) (*syncwire.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("push", resp)
	}

	var out syncwire.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return &out, nil
}

// Pull fetches remote changes for one table since the given cursor.
// An empty cursor requests the table from the beginning.
func (c *Client) Pull(ctx context.Context, table, since string, limit int) (*syncwire.PullResponse, error) {
	q := url.Values{}
	q.Set("table", table)
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("pull", resp)
	}

	var out syncwire.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) > 0 {
		return fmt.Errorf("%s failed: %d: %s", op, resp.StatusCode, body)
	}
	return fmt.Errorf("%s failed: %d", op, resp.StatusCode)
}
