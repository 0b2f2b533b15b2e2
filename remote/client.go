// Package remote is the HTTP transport to the remote API. It applies queued
// mutations and fetches documents for the read cache, classifying every
// failure as transient, rate-limited or terminal.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/telemetry"
)

const (
	// DefaultTimeout bounds every remote call.
	DefaultTimeout = 15 * time.Second

	// MaxDocumentSize caps documents read by Fetch.
	MaxDocumentSize = 10 * 1024 * 1024

	// IdempotencyHeader carries the mutation id so the remote can discard
	// replays of a delivery whose outcome we never saw.
	IdempotencyHeader = "Idempotency-Key"
)

// Client talks to the remote API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNow sets the time function used to interpret Retry-After dates.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a remote API client. Session cookies set by the API are
// kept in a public-suffix aware jar.
func NewClient(opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	c := &Client{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
			Jar:       jar,
		},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	c.logger = c.logger.With("component", "remote")
	return c, nil
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Apply sends m to the remote using its route. id is sent as the
// Idempotency-Key. A nil error means the remote accepted the mutation.
func (c *Client) Apply(ctx context.Context, id string, m mutation.Mutation) error {
	route := m.Route()

	var body io.Reader
	if b := m.Body(); b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return &Error{Class: ClassTerminal, Err: fmt.Errorf("encoding %s body: %w", m.Kind(), err)}
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, route.Method, c.baseURL+route.Path, body)
	if err != nil {
		return &Error{Class: ClassTerminal, Err: fmt.Errorf("creating request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, id)
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return networkError(ctx, fmt.Errorf("performing request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		if a, ok := m.(mutation.AbsentOK); ok && a.AbsentOK() {
			c.logger.Debug("remote resource already absent", "mutation_id", id, "kind", m.Kind())
			return nil
		}
	}
	return statusError(resp.StatusCode, resp.Header, respBody, c.now())
}

// Fetch GETs path and returns the response body.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &Error{Class: ClassTerminal, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, networkError(ctx, fmt.Errorf("performing request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &Error{Class: ClassTerminal, StatusCode: resp.StatusCode, Err: ErrNotFound}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, statusError(resp.StatusCode, resp.Header, body, c.now())
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, networkError(ctx, fmt.Errorf("reading body: %w", err))
	}
	if len(data) > MaxDocumentSize {
		return nil, &Error{Class: ClassTerminal, StatusCode: resp.StatusCode, Err: fmt.Errorf("document exceeds %d bytes", MaxDocumentSize)}
	}
	return data, nil
}

// HealthURL returns the URL probed for connectivity.
func (c *Client) HealthURL() string {
	return c.baseURL + "/health"
}
