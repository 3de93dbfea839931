package a2aclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client calls an A2A server over HTTP. Each call is independent: the
// server rebuilds the caller's identity from headers every time.
type Client struct {
	endpoint   string
	httpClient *http.Client
	signer     *Signer
	nextID     atomic.Int64

	// SignRequests attaches a fresh signature to every call. Servers that
	// require signed headers reject unsigned calls with CodeNotAuthenticated.
	SignRequests bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSigner identifies calls as coming from signer's agent. Without a
// signer calls are anonymous and only public methods succeed.
func WithSigner(s *Signer) Option {
	return func(c *Client) {
		c.signer = s
	}
}

// NewClient creates a client for the server at baseURL
// (e.g. "https://a2a.example.com").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint:     strings.TrimRight(baseURL, "/") + "/api/a2a",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		SignRequests: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method and decodes the result into out (which may be nil).
// Server-side failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	resp, err := c.post(ctx, request{JSONRPC: "2.0", Method: method, Params: params, ID: &id})
	if err != nil {
		return err
	}
	return decodeResult(resp, out)
}

// Notify invokes method without waiting for a result.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	_, err := c.post(ctx, request{JSONRPC: "2.0", Method: method, Params: params})
	return err
}

func (c *Client) post(ctx context.Context, r request) (*response, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		headers, err := c.signer.Headers(c.SignRequests)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if r.ID == nil {
		return nil, resp.Error.orNil()
	}
	return &resp, nil
}

func (e *Error) orNil() error {
	if e == nil {
		return nil
	}
	return e
}
