// Copyright (C) 2025 TG Studio
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package fetch performs the outbound HTTP traffic against an OParl
// source: authenticated, rate-limited, retried GET requests with
// conditional-request support. The client is purely functional beyond
// the network call; callers own all state.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/TGStudioDE/mandari/internal/logctx"
)

const defaultUserAgent = "mandari-ingest/1.0"

// ErrNotModified reports a 304 response to a conditional request.
// Callers must treat it as "no new data" and keep their prior state.
var ErrNotModified = errors.New("fetch: not modified")

// AuthKind selects how requests against a source authenticate.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
)

// Auth holds a source's credentials. For AuthAPIKey the key is sent in
// the configured header (default "Authorization").
type Auth struct {
	Kind     AuthKind
	Header   string
	Key      string
	Username string
	Password string
}

func (a Auth) apply(req *http.Request) {
	switch a.Kind {
	case AuthAPIKey:
		header := a.Header
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, a.Key)
	case AuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	}
}

// Conditional carries the stored cursor values to send as conditional
// request headers. The zero value sends an unconditional request.
type Conditional struct {
	ETag         string
	LastModified string
}

// Validators are the cache validators read from a response.
type Validators struct {
	ETag         string
	LastModified string
}

// StatusError reports a non-2xx, non-304 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return retryableStatus(e.StatusCode)
}

// Options configures a Client for one source.
type Options struct {
	// Timeout bounds each individual request attempt.
	Timeout time.Duration
	// RequestsPerMinute gates all outbound requests for the source.
	// Zero or negative disables the gate.
	RequestsPerMinute int
	// Burst is the token-bucket burst; it should match the source's
	// parallelism so concurrent workers are not serialized artificially.
	Burst int
	// Auth is applied to every request.
	Auth Auth
	// Policy bounds retries on transient failure.
	Policy RetryPolicy
	// UserAgent overrides the default user agent.
	UserAgent string
}

// Client issues GET requests against one source. Safe for concurrent
// use; the rate limiter is shared across all requests of the source.
type Client struct {
	hc        *http.Client
	limiter   *rate.Limiter
	auth      Auth
	policy    RetryPolicy
	userAgent string
}

// NewClient builds a client for one source.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)),
			max(opts.Burst, 1),
		)
	}
	return &Client{
		hc:        &http.Client{Timeout: timeout},
		limiter:   limiter,
		auth:      opts.Auth,
		policy:    opts.Policy,
		userAgent: ua,
	}
}

type response struct {
	body        []byte
	contentType string
	vals        Validators
	notModified bool
}

// GetJSON fetches one JSON document. When cond carries cursor values
// they are sent as If-None-Match / If-Modified-Since; a 304 response
// returns ErrNotModified together with the validators the server sent.
func (c *Client) GetJSON(ctx context.Context, url string, cond Conditional) (map[string]any, Validators, error) {
	res, err := c.get(ctx, url, cond)
	if err != nil {
		return nil, Validators{}, err
	}
	if res.notModified {
		return nil, res.vals, ErrNotModified
	}
	var doc map[string]any
	if err := json.Unmarshal(res.body, &doc); err != nil {
		return nil, res.vals, fmt.Errorf("fetch %s: decode json: %w", url, err)
	}
	return doc, res.vals, nil
}

// GetBytes fetches an attachment and returns its bytes together with
// the response Content-Type.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, string, error) {
	res, err := c.get(ctx, url, Conditional{})
	if err != nil {
		return nil, "", err
	}
	return res.body, res.contentType, nil
}

// get runs one GET with the client's retry policy. Transient failures
// (connection errors, 429, retryable 5xx) are retried with exponential
// backoff; other 4xx fail immediately. Every attempt waits on the rate
// limiter first, so retries also count against the source's budget.
func (c *Client) get(ctx context.Context, url string, cond Conditional) (*response, error) {
	attempt := func() (*response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json, */*")
		if cond.ETag != "" {
			req.Header.Set("If-None-Match", cond.ETag)
		}
		if cond.LastModified != "" {
			req.Header.Set("If-Modified-Since", cond.LastModified)
		}
		c.auth.apply(req)

		resp, err := c.hc.Do(req)
		if err != nil {
			// Connection errors and attempt timeouts are transient.
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		vals := Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		switch {
		case resp.StatusCode == http.StatusNotModified:
			return &response{vals: vals, notModified: true}, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
		case retryableStatus(resp.StatusCode):
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(&StatusError{URL: url, StatusCode: resp.StatusCode})
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &response{
			body:        body,
			contentType: resp.Header.Get("Content-Type"),
			vals:        vals,
		}, nil
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(c.policy.backOff()),
		backoff.WithMaxTries(c.policy.maxTries()),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logctx.FromContext(ctx).Warn("retrying fetch",
				slog.String("url", url),
				slog.Duration("delay", delay),
				slog.Any("error", err))
		}),
	)
}
