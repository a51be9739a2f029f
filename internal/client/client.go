// Package client provides an API client for a running filter daemon.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/pktfilter/internal/api"
	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/store"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// HTTPClient talks to the daemon's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// ClientOption configures the HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a new HTTPClient for the given base URL, e.g.
// "http://127.0.0.1:8780".
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs an HTTP request and decodes the JSON response.
func (c *HTTPClient) doRequest(method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		var e api.ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = respBody
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func scopePath(scope filter.Scope, op string) string {
	return "/api/scopes/" + scope.IP.String() + "/" + url.PathEscape(scope.Table) + "/" + op
}

// GetStatus retrieves the server status.
func (c *HTTPClient) GetStatus() (*api.StatusResponse, error) {
	var st api.StatusResponse
	if err := c.doRequest(http.MethodGet, "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Scopes lists every live scope with its counters.
func (c *HTTPClient) Scopes() ([]filter.ScopeStats, error) {
	var out []filter.ScopeStats
	err := c.doRequest(http.MethodGet, "/api/scopes", nil, &out)
	return out, err
}

// Rules lists the installed rules of scope in evaluation order.
func (c *HTTPClient) Rules(scope filter.Scope) ([]api.RuleView, error) {
	var out []api.RuleView
	err := c.doRequest(http.MethodGet, scopePath(scope, "rules"), nil, &out)
	return out, err
}

// Commit installs rules, optionally replacing the table.
func (c *HTTPClient) Commit(scope filter.Scope, rules []config.RuleConfig, replace bool) (*api.CommitResponse, error) {
	var out api.CommitResponse
	req := api.CommitRequest{Replace: replace, Rules: rules}
	if err := c.doRequest(http.MethodPost, scopePath(scope, "rules"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes handles, or stages their removal when commitNow is false.
func (c *HTTPClient) Delete(scope filter.Scope, handles []filter.Handle, commitNow bool) error {
	req := api.DeleteRequest{Handles: handles, Commit: commitNow}
	return c.doRequest(http.MethodPost, scopePath(scope, "delete"), req, nil)
}

// Apply commits staged deletions.
func (c *HTTPClient) Apply(scope filter.Scope) error {
	return c.doRequest(http.MethodPost, scopePath(scope, "apply"), nil, nil)
}

// Reset drops the scope.
func (c *HTTPClient) Reset(scope filter.Scope) error {
	return c.doRequest(http.MethodPost, scopePath(scope, "reset"), nil, nil)
}

// ClassifyFields classifies already extracted fields.
func (c *HTTPClient) ClassifyFields(scope filter.Scope, f filter.Fields) (*api.ClassifyResponse, error) {
	return c.classify(scope, api.ClassifyRequest{Fields: &f})
}

// ClassifyFrame classifies a raw Ethernet frame.
func (c *HTTPClient) ClassifyFrame(scope filter.Scope, frame []byte) (*api.ClassifyResponse, error) {
	return c.classify(scope, api.ClassifyRequest{Frame: hex.EncodeToString(frame)})
}

// ClassifyPacket classifies a bare IP datagram.
func (c *HTTPClient) ClassifyPacket(scope filter.Scope, datagram []byte) (*api.ClassifyResponse, error) {
	return c.classify(scope, api.ClassifyRequest{Packet: hex.EncodeToString(datagram)})
}

func (c *HTTPClient) classify(scope filter.Scope, req api.ClassifyRequest) (*api.ClassifyResponse, error) {
	var out api.ClassifyResponse
	if err := c.doRequest(http.MethodPost, scopePath(scope, "classify"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tier reports the current storage tier of scope.
func (c *HTTPClient) Tier(scope filter.Scope) (string, error) {
	var out map[string]string
	if err := c.doRequest(http.MethodGet, scopePath(scope, "tier"), nil, &out); err != nil {
		return "", err
	}
	return out["tier"], nil
}

// Export returns the live tables as HCL.
func (c *HTTPClient) Export() ([]byte, error) {
	var out []byte
	err := c.doRequest(http.MethodGet, "/api/export", nil, &out)
	return out, err
}

// Changes returns the newest journal entries.
func (c *HTTPClient) Changes(limit int) ([]store.Change, error) {
	var out []store.Change
	err := c.doRequest(http.MethodGet, fmt.Sprintf("/api/changes?limit=%d", limit), nil, &out)
	return out, err
}

// StreamOptions selects what StreamEvents receives.
type StreamOptions struct {
	Topics []string     // defaults to decisions only
	Scope  filter.Scope // zero value for every scope
}

// StreamEvents connects to the event WebSocket and calls fn for each message
// until ctx is done, fn returns an error, or the connection drops.
func (c *HTTPClient) StreamEvents(ctx context.Context, opts StreamOptions, fn func(api.WSMessage) error) error {
	u, err := url.Parse(c.baseURL + "/api/ws/decisions")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if len(opts.Topics) > 0 {
		q.Set("topics", strings.Join(opts.Topics, ","))
	}
	if opts.Scope.IP.Valid() {
		q.Set("scope", opts.Scope.String())
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
