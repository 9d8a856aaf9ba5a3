// Package client implements the HTTP client side of the cmux server's
// transport: POST /ipc/<channel> request/response calls plus the GET /ws
// streaming subscription.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IPCClient talks to a running cmux server over its IPC surface.
type IPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// Result is the server's response envelope for one IPC call.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	// StatusCode is the HTTP status the envelope arrived with.
	StatusCode int `json:"-"`
}

// DataString returns Data rendered as a compact string for assertions.
func (r *Result) DataString() string {
	return string(r.Data)
}

// DecodeData unmarshals Data into v.
func (r *Result) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("no data in response")
	}
	return json.Unmarshal(r.Data, v)
}

// NewIPCClient creates a client for the given base URL (no trailing
// slash, e.g. http://localhost:8080).
func NewIPCClient(baseURL string) *IPCClient {
	return &IPCClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// SetAuthToken sets the Bearer token sent on every IPC call.
func (c *IPCClient) SetAuthToken(token string) {
	c.authToken = token
}

// AuthToken returns the configured token (the WS client needs it as a
// query parameter).
func (c *IPCClient) AuthToken() string { return c.authToken }

// BaseURL returns the server base URL.
func (c *IPCClient) BaseURL() string { return c.baseURL }

// Invoke POSTs {"args": args} to /ipc/<channel> and decodes the
// response envelope. A transport-level failure is returned as err; a
// server-side {"success":false} envelope is returned as a Result with
// Success=false and err=nil, so tests can assert on either.
func (c *IPCClient) Invoke(channel string, args ...any) (*Result, error) {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(map[string]any{"args": args})
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/ipc/"+channel, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /ipc/%s: %w", channel, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse response %q: %w", string(data), err)
	}
	result.StatusCode = resp.StatusCode
	return &result, nil
}

// InvokeRaw POSTs a pre-encoded body to /ipc/<channel> and returns the
// raw status code and body, for tests probing malformed-input handling.
func (c *IPCClient) InvokeRaw(channel string, body []byte) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/ipc/"+channel, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data), nil
}

// Health GETs the unauthenticated /health endpoint.
func (c *IPCClient) Health() error {
	return c.getOK("/health")
}

// Ready GETs the unauthenticated /ready endpoint.
func (c *IPCClient) Ready() error {
	return c.getOK("/ready")
}

// Metrics returns the raw Prometheus exposition text from /metrics.
func (c *IPCClient) Metrics() (string, error) {
	resp, err := c.http.Get(c.baseURL + "/metrics")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET /metrics: status %d", resp.StatusCode)
	}
	return string(data), nil
}

func (c *IPCClient) getOK(path string) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return nil
}
