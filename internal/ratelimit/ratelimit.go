// Package ratelimit gates outbound HTTP requests per host, the same
// per-key-bucket shape as this codebase's in-memory rate limiter, rebuilt
// on golang.org/x/time/rate's token bucket instead of a hand-rolled window.
package ratelimit

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out a token-bucket rate.Limiter per host, created lazily
// on first use and shared by every caller for that host thereafter.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewHostLimiter builds a limiter with the given per-host rate and burst.
func NewHostLimiter(ratePerSecond float64, burst int) *HostLimiter {
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      ratePerSecond,
		burst:    burst,
	}
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.rps), h.burst)
		h.limiters[host] = l
	}
	return l
}

// Wait blocks until a token for rawURL's host is available or ctx is
// cancelled, satisfying the cooperative cancellation contract: a cancelled
// ctx returns immediately with ctx.Err().
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	return h.limiterFor(u.Host).Wait(ctx)
}

// Allow reports, without blocking, whether a request to rawURL's host may
// proceed immediately, consuming a token when it may.
func (h *HostLimiter) Allow(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return h.limiterFor(u.Host).Allow()
}
