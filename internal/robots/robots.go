// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package robots enforces robots.txt per SPEC_FULL.md §4.4, grounded on
// the crawler pack's RobotsEnforcer but with a 24-hour cache expiry in
// place of the pack's unbounded per-host cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/sitewarden/engine/internal/logging"
)

// TTL is how long a fetched robots.txt is trusted before being
// re-fetched.
const TTL = 24 * time.Hour

type cacheEntry struct {
	data      *robotstxt.RobotsData
	expiresAt time.Time
}

// Checker answers whether a URL may be fetched under its host's
// robots.txt, caching the parsed policy per host.
type Checker struct {
	client    *http.Client
	userAgent string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewChecker builds a Checker that identifies itself as userAgent.
func NewChecker(userAgent string) *Checker {
	return &Checker{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		cache:     make(map[string]cacheEntry),
	}
}

// Allowed reports whether rawURL may be fetched. Any failure to fetch
// or parse robots.txt fails open, matching the pack's convention of
// allowing access rather than silently starving a monitor.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		logging.Warn().Err(err).Str("host", parsed.Host).Msg("robots.txt fetch failed, allowing access")
		return true
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)

	c.mu.Lock()
	entry, ok := c.cache[hostKey]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.data, nil
	}

	robotsURL := *parsed
	robotsURL.Path = "/robots.txt"
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	c.mu.Lock()
	c.cache[hostKey] = cacheEntry{data: data, expiresAt: time.Now().Add(TTL)}
	c.mu.Unlock()
	return data, nil
}
