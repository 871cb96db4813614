// Package httpapi implements the remote data service contract over a REST
// API, with rate-limit aware retries and network-speed-derived timeout
// budgets.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sheetbox/remote"
	"sheetbox/remote/realtime"
)

// Config holds remote API connection settings.
type Config struct {
	BaseURL     string
	RealtimeURL string // websocket change feed endpoint
	Token       string // bearer token

	// Timeout returns the per-request timeout budget. When nil a fixed
	// 15s budget is used.
	Timeout func() time.Duration

	// MaxRetries bounds retries of rate-limited or 5xx read requests.
	// Default: 3
	MaxRetries int

	// BaseDelay is the initial retry delay. Default: 1 second.
	BaseDelay time.Duration

	// MaxDelay caps the retry delay. Default: 32 seconds.
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to prevent retry storms.
	EnableJitter bool
}

// Client implements remote.Service over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client with connection pooling and default retry settings.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 32 * time.Second
	}
	if cfg.Timeout == nil {
		cfg.Timeout = func() time.Duration { return 15 * time.Second }
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// endpoint joins path segments onto the base URL.
func (c *Client) endpoint(parts ...string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return base + "/" + strings.Join(parts, "/")
}

// do performs a single authenticated request under the current timeout budget.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The per-request deadline surfaces as a url.Error; unwrap so
		// callers can classify it as a timeout.
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return resp, nil
}

// doRead performs a read request, retrying 429 and 5xx responses with
// exponential backoff and the Retry-After header when present.
func (c *Client) doRead(ctx context.Context, method, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.do(ctx, method, rawURL, nil)
		if err != nil {
			return nil, err
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, readErr
			}
			return body, nil
		}

		lastErr = &remote.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if !retryable || attempt >= c.cfg.MaxRetries {
			return nil, lastErr
		}

		delay := c.calculateBackoff(attempt, parseRetryAfter(resp.Header.Get("Retry-After")))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	// Exponential backoff: base * 2^attempt
	delay := c.cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}

	// Add jitter if enabled (±20%)
	if c.cfg.EnableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// parseRetryAfter parses the Retry-After header value, supporting both the
// seconds and HTTP-date formats. Returns nil when invalid or empty.
func parseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Fetch implements remote.Service.
func (c *Client) Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	body, err := c.doRead(ctx, http.MethodGet, c.endpoint(entityType, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// List implements remote.Service.
func (c *Client) List(ctx context.Context, entityType string, filter remote.Filter) ([]json.RawMessage, error) {
	endpoint := c.endpoint(entityType)
	if len(filter) > 0 {
		query := url.Values{}
		for k, v := range filter {
			query.Set(k, v)
		}
		endpoint += "?" + query.Encode()
	}

	body, err := c.doRead(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", entityType, err)
	}
	return records, nil
}

// Stat implements remote.Service.
func (c *Client) Stat(ctx context.Context, entityType, id string) (remote.Meta, error) {
	body, err := c.doRead(ctx, http.MethodGet, c.endpoint(entityType, url.PathEscape(id), "meta"))
	if err != nil {
		return remote.Meta{}, err
	}

	var meta remote.Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return remote.Meta{}, fmt.Errorf("failed to decode %s/%s meta: %w", entityType, id, err)
	}
	return meta, nil
}

// Mutate implements remote.Service. Mutations are sent exactly once; the
// sync queue owns retry policy for writes. A 409 response is returned as a
// *remote.ConflictError carrying the server's copy of the record.
func (c *Client) Mutate(ctx context.Context, op remote.Mutation) (json.RawMessage, error) {
	var method string
	switch op.Type {
	case remote.MutationCreate:
		method = http.MethodPost
	case remote.MutationUpdate:
		method = http.MethodPut
	case remote.MutationDelete:
		method = http.MethodDelete
	default:
		return nil, fmt.Errorf("unknown mutation type: %s", op.Type)
	}

	endpoint := c.endpoint(op.Table, url.PathEscape(op.ID))
	if op.Type == remote.MutationCreate {
		endpoint = c.endpoint(op.Table)
	}

	var payload []byte
	if op.Type != remote.MutationDelete {
		payload = op.Data
	}

	resp, err := c.do(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(body), nil
	case resp.StatusCode == http.StatusConflict:
		return nil, &remote.ConflictError{
			Table:      op.Table,
			ID:         op.ID,
			ServerData: json.RawMessage(body),
		}
	default:
		return nil, &remote.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
}

// SubscribeChanges implements remote.Service via the websocket change feed.
func (c *Client) SubscribeChanges(ctx context.Context, table string, filter remote.Filter) (<-chan remote.ChangeEvent, error) {
	if c.cfg.RealtimeURL == "" {
		return nil, fmt.Errorf("realtime URL not configured")
	}
	feed := realtime.New(realtime.Config{
		URL:    c.cfg.RealtimeURL,
		Token:  c.cfg.Token,
		Table:  table,
		Filter: filter,
	})
	return feed.Subscribe(ctx)
}

// Verify interface compliance at compile time
var _ remote.Service = (*Client)(nil)
