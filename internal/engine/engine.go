// Package engine is the HTTP client the gateway uses to reach the local
// automation engine: event triggers and proxied reads.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/domain"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
	"github.com/koltyakov/tunnelguard/internal/netutil"
)

const (
	// EventsPath is the engine endpoint receiving triggered events.
	EventsPath = "/v1/events"

	DefaultTimeout   = 30 * time.Second
	MaxResponseBytes = 10 << 20
)

// ErrUnavailable means the engine could not be reached or answered with an
// unusable response.
var ErrUnavailable = errors.New("automation engine unavailable")

// StatusError is returned by TriggerEvent when the engine answers with a
// non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine returned %d", e.Status)
	}
	return fmt.Sprintf("engine returned %d: %s", e.Status, e.Body)
}

// Response is a fully buffered engine response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// IsJSON reports whether the response declares a JSON body.
func (r *Response) IsJSON() bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/json") || strings.Contains(ct, "+json")
}

// Config configures a [Client].
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client talks to the engine's HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *slog.Logger
}

// Option customises a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = ilog.OrDiscard(l) }
}

// New validates cfg and returns a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("engine url %q must be an absolute http(s) URL", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		base:  base,
		token: cfg.Token,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: ilog.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the engine base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// TriggerEvent hands a validated event to the engine and returns its JSON
// result. An empty result body is returned as nil.
func (c *Client) TriggerEvent(ctx context.Context, event string, payload json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(domain.EventRequest{Event: event, Payload: payload})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target(EventsPath, ""), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &StatusError{Status: resp.Status, Body: strings.TrimSpace(string(resp.Body))}
	}
	trimmed := bytes.TrimSpace(resp.Body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: event result is not JSON", ErrUnavailable)
	}
	return json.RawMessage(trimmed), nil
}

// Fetch forwards r to the engine under the same path and query. Hop-by-hop
// headers and gateway credentials are stripped before forwarding.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, c.target(r.URL.Path, r.URL.RawQuery), r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	req.Header = r.Header.Clone()
	netutil.RemoveHopByHopHeaders(req.Header)
	req.Header.Del("Authorization")
	req.Header.Del(auth.TokenHeader)
	req.Header.Del("Cookie")
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	req.Header.Set("X-Forwarded-For", netutil.ClientIP(r))
	c.authorize(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	netutil.RemoveHopByHopHeaders(resp.Header)
	return resp, nil
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("engine request failed", "method", req.Method, "path", req.URL.Path, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUnavailable, err)
	}
	if len(body) > MaxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUnavailable, MaxResponseBytes)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (c *Client) target(path, rawQuery string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
