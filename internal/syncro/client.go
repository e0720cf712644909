// Package syncro is a client for the Syncro MSP REST API: paginated
// customer, contact and asset reads, contact search, and ticket creation.
package syncro

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	httpTimeout = 30 * time.Second

	// Syncro allows 180 requests per minute per API key.
	defaultRate  = rate.Limit(3)
	defaultBurst = 6
)

// ErrNotConfigured is returned when the client has no subdomain or API key.
var ErrNotConfigured = errors.New("syncro: api key and subdomain are required")

// StatusError reports a non-2xx response from a read endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("syncro %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// RequestObserver receives per-request timings (wired by main for Prometheus).
type RequestObserver interface {
	ObserveRequest(endpoint, outcome string, dur time.Duration)
}

// RequestObserverFunc adapts a plain function to RequestObserver.
type RequestObserverFunc func(endpoint, outcome string, dur time.Duration)

// ObserveRequest implements RequestObserver.
func (f RequestObserverFunc) ObserveRequest(endpoint, outcome string, dur time.Duration) {
	f(endpoint, outcome, dur)
}

// Client talks to one Syncro tenant.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   RequestObserver
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the tenant URL derived from the subdomain.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the client-side request rate. A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithObserver sets the per-request observer.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// New creates a client for https://<subdomain>.syncromsp.com/api/v1.
func New(subdomain, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("https://%s.syncromsp.com/api/v1", subdomain),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
	}
	if subdomain == "" {
		c.baseURL = ""
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configured reports whether the client has credentials and a tenant.
func (c *Client) Configured() bool {
	return c.apiKey != "" && c.baseURL != ""
}

func (c *Client) endpointURL(endpoint string, params url.Values) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(c.baseURL + "/" + endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do performs one request and returns the raw response. Only transport-level
// failures are returned as errors; status interpretation is left to callers.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, payload any) (*RawResponse, error) {
	target, err := c.endpointURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("syncro rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: base url is from trusted config
	if err != nil {
		c.observe(endpoint, "error", start)
		return nil, fmt.Errorf("syncro %s request failed: %w", endpoint, redact(err, c.apiKey))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(endpoint, "error", start)
		return nil, fmt.Errorf("read response: %w", err)
	}

	outcome := "ok"
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	c.observe(endpoint, outcome, start)

	return &RawResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// get performs a read and fails on any non-2xx status.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), 512)}
	}
	return resp.Body, nil
}

func (c *Client) observe(endpoint, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(endpoint, outcome, time.Since(start))
	}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact strips the API key from url errors, which embed the full request URL.
func redact(err error, key string) error {
	if key == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, key) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, key, "REDACTED"), err: err}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
