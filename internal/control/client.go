package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schaermu/gitcloudd/internal/registry"
)

// APIError is a non-success response from the control server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client talks to a running daemon's control server
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server listening on addr
// ("host:port" or a full http URL)
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// List returns every registered repository
func (c *Client) List(ctx context.Context) ([]registry.Entry, error) {
	var entries []registry.Entry
	if err := c.do(ctx, http.MethodGet, "/repos", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Add registers a repository
func (c *Client) Add(ctx context.Context, req AddRequest) error {
	return c.do(ctx, http.MethodPost, "/repos", req, nil)
}

// Remove unregisters a repository
func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/repos/"+url.PathEscape(name), nil, nil)
}

// Sync requests an immediate sync of one repository
func (c *Client) Sync(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/repos/"+url.PathEscape(name)+"/sync", nil, nil)
}

// SetAutoSync enables or disables periodic syncing
func (c *Client) SetAutoSync(ctx context.Context, name string, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/repos/"+url.PathEscape(name)+"/auto-sync", AutoSyncRequest{Enabled: enabled}, nil)
}

// Interval returns the current sync interval
func (c *Client) Interval(ctx context.Context) (time.Duration, error) {
	var body IntervalBody
	if err := c.do(ctx, http.MethodGet, "/interval", nil, &body); err != nil {
		return 0, err
	}
	return time.Duration(body.Interval) * time.Second, nil
}

// SetInterval changes the sync interval
func (c *Client) SetInterval(ctx context.Context, d time.Duration) error {
	return c.do(ctx, http.MethodPut, "/interval", IntervalBody{Interval: int(d / time.Second)}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gitcloudd at %s: %w", c.base, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		var e errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
