// Package httpds streams job input over HTTP(S).
//
// Transport errors, 429 and 5xx responses are retried with capped exponential
// backoff until a final response arrives. Only the request is retried: once
// the body is streaming, a broken connection surfaces as a read error.
package httpds

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config configures the client. Zero values get defaults:
//
//	HeaderTimeout   30s
//	InitialBackoff  200ms
//	MaxBackoff      5s
type Config struct {
	// HeaderTimeout bounds the wait for response headers. The body is not
	// time-limited; the caller's context is.
	HeaderTimeout time.Duration `yaml:"header_timeout" json:"header_timeout"`

	// MaxRetries is the number of attempts after the first. Zero disables
	// retries.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Headers are sent with every request, e.g. Authorization.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// Transport replaces the default transport; HeaderTimeout and
	// InsecureSkipVerify are then ignored.
	Transport http.RoundTripper `yaml:"-" json:"-"`
}

// Client issues GET requests with retry.
type Client struct {
	hc             *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	headers        http.Header
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	rt := cfg.Transport
	if rt == nil {
		rt = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.HeaderTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in per job
			},
		}
	}
	h := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return &Client{
		hc:             &http.Client{Transport: rt},
		maxRetries:     max(cfg.MaxRetries, 0),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		headers:        h,
	}
}

// Get fetches url and returns the response of the first attempt that is not
// retryable. Statuses other than 2xx are errors. The caller closes the body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	if url == "" {
		return nil, fmt.Errorf("httpds: url must not be empty")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, backoff(c.initialBackoff, attempt-1, c.maxBackoff)); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("httpds: build request: %w", err)
		}
		req.Header = c.headers.Clone()

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case retryable(resp.StatusCode):
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("httpds: GET %s: status %d", url, resp.StatusCode)
		default:
			_ = resp.Body.Close()
			return nil, fmt.Errorf("httpds: GET %s: status %d", url, resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("httpds: giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

// Source is a URL opened through a Client.
type Source struct {
	c   *Client
	url string
}

// NewSource binds url to c.
func NewSource(c *Client, url string) *Source { return &Source{c: c, url: url} }

// Open starts the download and returns the response body.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := s.c.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// backoff is initial*2^retry capped at limit.
func backoff(initial time.Duration, retry int, limit time.Duration) time.Duration {
	if retry > 30 {
		return limit
	}
	return min(initial<<retry, limit)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
