// Package fetch wraps an http.Client with redirect limiting, per-host rate
// limiting, robots.txt enforcement and classified retry/backoff, following
// the header-shaping HTTPClient wrapper this codebase's lineage builds
// around the standard client rather than reaching for a third-party HTTP
// framework.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"strconv"
	"time"

	"mattercrawl/internal/domain"
	"mattercrawl/internal/engerr"
	"mattercrawl/internal/ratelimit"
	"mattercrawl/internal/robots"
)

// Fetcher retrieves pages with the engine's full politeness contract:
// robots.txt, host rate limiting, and bounded retries with jittered
// exponential backoff.
type Fetcher struct {
	client      *http.Client
	limiter     *ratelimit.HostLimiter
	policy      *robots.Policy
	userAgent   string
	maxRetries  int
	baseBackoff time.Duration
}

// Option customizes a Fetcher at construction.
type Option func(*Fetcher)

// WithMaxRetries overrides the default of 3 attempts.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithBaseBackoff overrides the default 500ms base backoff.
func WithBaseBackoff(d time.Duration) Option {
	return func(f *Fetcher) { f.baseBackoff = d }
}

// New builds a Fetcher. timeout bounds each individual HTTP round trip, not
// the sum of all retry attempts.
func New(timeout time.Duration, limiter *ratelimit.HostLimiter, policy *robots.Policy, userAgent string, opts ...Option) *Fetcher {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	f := &Fetcher{
		client:      client,
		limiter:     limiter,
		policy:      policy,
		userAgent:   userAgent,
		maxRetries:  3,
		baseBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Result is a fetched page's raw bytes along with the URL actually served
// (after redirects), so parsers can resolve relative links.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Get retrieves rawURL, retrying transient failures up to Fetcher's
// configured attempt budget. It checks ctx for cancellation before each
// attempt and before each backoff sleep completes, the two suspension
// points a cooperative cancellation token must interrupt.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Result, error) {
	if f.policy != nil {
		allowed, err := f.policy.Allowed(ctx, rawURL)
		if err != nil {
			return nil, engerr.Wrap(domain.ErrNetworkPermanent, "robots.txt check failed", err)
		}
		if !allowed {
			return nil, engerr.New(domain.ErrNetworkPermanent, fmt.Sprintf("disallowed by robots.txt: %s", rawURL))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, engerr.Wrap(domain.ErrCancelled, "fetch cancelled", err)
		}

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, rawURL); err != nil {
				return nil, engerr.Wrap(domain.ErrCancelled, "rate limiter wait cancelled", err)
			}
		}

		result, retryAfter, err := f.attempt(ctx, rawURL)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !engerr.Retryable(err) || attempt == f.maxRetries {
			return nil, err
		}

		if err := sleepWithJitter(ctx, f.baseBackoff, attempt, retryAfter); err != nil {
			return nil, engerr.Wrap(domain.ErrCancelled, "backoff cancelled", err)
		}
	}

	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) (*Result, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, engerr.Wrap(domain.ErrNetworkPermanent, "build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, engerr.Wrap(domain.ErrCancelled, "request cancelled", err)
		}
		return nil, 0, engerr.Wrap(domain.ErrNetworkTransient, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, retryAfter, engerr.New(domain.ErrNetworkTransient, fmt.Sprintf("status %d from %s", resp.StatusCode, rawURL))
	}
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, 0, engerr.New(domain.ErrNetworkPermanent, fmt.Sprintf("status %d from %s", resp.StatusCode, rawURL))
	}

	if ct := resp.Header.Get("Content-Type"); !isHTMLContentType(ct) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, 0, engerr.New(domain.ErrParseMalformed, fmt.Sprintf("non-HTML content-type %q from %s", ct, rawURL))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, engerr.Wrap(domain.ErrNetworkTransient, "read body", err)
	}

	return &Result{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode, Body: body}, 0, nil
}

// isHTMLContentType reports whether ct names an HTML media type, ignoring
// any charset/boundary parameters. A 200 response whose body is JSON, plain
// text, or an unrelated page (a login wall, an API error body) must be
// classified here rather than handed to htmlparse, which has no way to
// distinguish "no products on this page" from "this wasn't a listing page
// at all."
func isHTMLContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}

// sleepWithJitter waits base*2^(attempt-1) +/- 25% jitter, or retryAfter
// when the server specified one and it is longer, returning early with
// ctx.Err() if ctx is cancelled mid-sleep.
func sleepWithJitter(ctx context.Context, base time.Duration, attempt int, retryAfter time.Duration) error {
	backoff := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(backoff))
	wait := backoff + jitter
	if retryAfter > wait {
		wait = retryAfter
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
