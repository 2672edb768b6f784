// Package robots enforces robots.txt policy for the configured user agent,
// fetched once per host and cached for the process lifetime.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// Policy answers whether a given URL may be fetched under the active
// user agent, lazily downloading and caching each host's robots.txt.
type Policy struct {
	mu        sync.Mutex
	groups    map[string]*robotstxt.Group
	client    *http.Client
	userAgent string
	enabled   bool
}

// New builds a Policy. When enabled is false, Allowed always returns true,
// so the Fetcher can unconditionally consult the Policy regardless of
// configuration.
func New(client *http.Client, userAgent string, enabled bool) *Policy {
	return &Policy{
		groups:    make(map[string]*robotstxt.Group),
		client:    client,
		userAgent: userAgent,
		enabled:   enabled,
	}
}

func (p *Policy) groupFor(ctx context.Context, host, scheme string) (*robotstxt.Group, error) {
	p.mu.Lock()
	if g, ok := p.groups[host]; ok {
		p.mu.Unlock()
		return g, nil
	}
	p.mu.Unlock()

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	var data *robotstxt.RobotsData
	if err != nil {
		// Unreachable robots.txt is treated as permissive, matching
		// robotstxt's own convention for a missing file.
		data, _ = robotstxt.FromStatusAndString(http.StatusNotFound, "")
	} else {
		defer resp.Body.Close()
		data, err = robotstxt.FromResponse(resp)
		if err != nil {
			data, _ = robotstxt.FromStatusAndString(http.StatusNotFound, "")
		}
	}

	group := data.FindGroup(p.userAgent)

	p.mu.Lock()
	p.groups[host] = group
	p.mu.Unlock()

	return group, nil
}

// Allowed reports whether rawURL may be fetched. A malformed URL yields false
// with an error, which the caller should classify as NetworkPermanent rather
// than retry. An unreachable or unparsable robots.txt is treated as
// permissive, so the URL is allowed.
func (p *Policy) Allowed(ctx context.Context, rawURL string) (bool, error) {
	if !p.enabled {
		return true, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}

	group, err := p.groupFor(ctx, u.Host, u.Scheme)
	if err != nil {
		return false, err
	}

	return group.Test(u.Path), nil
}
