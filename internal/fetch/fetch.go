// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fetch implements the Request Manager of SPEC_FULL.md §4.4:
// URL normalization, in-flight request collapsing, a short completed-
// result cache, robots.txt enforcement, a rotating header pool, and the
// per-host circuit breaker and governor integration every outbound
// fetch must pass through.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/breaker"
	"github.com/sitewarden/engine/internal/fingerprint"
	"github.com/sitewarden/engine/internal/governor"
	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/metrics"
	"github.com/sitewarden/engine/internal/notify"
	"github.com/sitewarden/engine/internal/robots"
)

// Config tunes the manager. Defaults follow SPEC_FULL.md §4.4: a hard
// 15s fetch timeout and a 1-5s inter-request delay.
type Config struct {
	HardTimeout      time.Duration
	InterRequestMin  time.Duration
	InterRequestMax  time.Duration
	CacheTTL         time.Duration
	RespectRobots    bool
	UserAgents       []string
}

// DefaultConfig returns SPEC_FULL.md §4.4's defaults.
func DefaultConfig() Config {
	return Config{
		HardTimeout:     15 * time.Second,
		InterRequestMin: time.Second,
		InterRequestMax: 5 * time.Second,
		CacheTTL:        30 * time.Second,
		RespectRobots:   true,
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		},
	}
}

// Result is the outcome of one successful fetch.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

type cacheEntry struct {
	result    Result
	err       error
	expiresAt time.Time
}

// Manager is the Request Manager.
type Manager struct {
	cfg      Config
	client   *http.Client
	gov      *governor.Governor
	breakers *breaker.Registry
	robots   *robots.Checker

	cooldownMu       sync.Mutex
	cooldownNotifier notify.Notifier
	cooldownChatID   string

	sf singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry

	headerIdx int
	headerMu  sync.Mutex
}

// New builds a Manager. gov and breakers are shared, process-wide
// instances; every monitor's fetches flow through the same two.
func New(cfg Config, gov *governor.Governor, breakers *breaker.Registry) *Manager {
	jar, _ := cookiejar.New(nil)
	m := &Manager{
		cfg:      cfg,
		client:   &http.Client{Jar: jar},
		gov:      gov,
		breakers: breakers,
		robots:   robots.NewChecker(cfg.UserAgents[0]),
		cache:    make(map[string]cacheEntry),
	}
	breakers.SetOnOpen(m.EmitCooldown)
	return m
}

// SetCooldownNotifier wires the Notifier and recipient chat id that
// EmitCooldown delivers to. Until called, a breaker-OPEN transition is a
// no-op for notification purposes (metrics still record it).
func (m *Manager) SetCooldownNotifier(n notify.Notifier, chatID string) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	m.cooldownNotifier = n
	m.cooldownChatID = chatID
}

// EmitCooldown delivers the one-shot "cooldown" event SPEC_FULL.md
// §4.4 requires when host's breaker transitions to OPEN, so the chat
// layer can tell affected users to back off. It is registered as the
// breaker registry's OnOpen hook; the registry calls it synchronously
// from within gobreaker's state-change handling, so delivery itself is
// handed to the governor's notification queue on a fresh goroutine
// rather than blocking the breaker.
func (m *Manager) EmitCooldown(host string) {
	m.cooldownMu.Lock()
	n := m.cooldownNotifier
	chatID := m.cooldownChatID
	m.cooldownMu.Unlock()
	if n == nil || chatID == "" {
		return
	}

	msg := notify.Message{ChatID: chatID, Kind: notify.KindCooldown, URL: host}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.gov.Enqueue(ctx, governor.Notification{
			ChatID: chatID,
			Send:   func(ctx context.Context) error { return n.Deliver(ctx, msg) },
		})
		if err != nil {
			logging.Warn().Err(err).Str("host", host).Msg("failed to enqueue breaker cooldown notification")
		}
	}()
}

// NormalizeURL lower-cases the scheme/host, strips a default port and
// a trailing slash (a bare root path "/" is kept), and drops the
// fragment — so that
// "https://Example.com/path/" and "https://example.com/path" collapse
// to the same monitor identity.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is missing a scheme or host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// Fetch retrieves normalizedURL, collapsing concurrent callers for the
// same URL into a single outbound request and serving a short-lived
// cache when available. It checks the per-host circuit breaker's state,
// then takes the governor's fetch token, checks robots.txt, sleeps the
// inter-request jitter delay, and runs the request through the breaker
// under the hard fetch timeout, in that order.
func (m *Manager) Fetch(ctx context.Context, normalizedURL string) (Result, error) {
	if cached, ok := m.cachedResult(normalizedURL); ok {
		metrics.FetchCacheHits.Inc()
		return cached.result, cached.err
	}

	v, err, shared := m.sf.Do(normalizedURL, func() (any, error) {
		res, err := m.fetchOnce(ctx, normalizedURL)
		m.storeCache(normalizedURL, res, err)
		return res, err
	})
	if shared {
		metrics.FetchCollapsed.Inc()
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (m *Manager) cachedResult(normalizedURL string) (cacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[normalizedURL]
	if !ok || time.Now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (m *Manager) storeCache(normalizedURL string, res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[normalizedURL] = cacheEntry{result: res, err: err, expiresAt: time.Now().Add(m.cfg.CacheTTL)}
}

func (m *Manager) fetchOnce(ctx context.Context, normalizedURL string) (Result, error) {
	parsed, err := url.Parse(normalizedURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse url: %w", err)
	}
	host := parsed.Host

	// Guard ahead of token acquisition: a host with an OPEN breaker must
	// fail immediately without spending a share of the shared fetch-token
	// budget or sleeping out the inter-request delay first.
	if m.breakers.State(host) == breaker.StateOpen {
		return Result{}, apperr.ErrCircuitOpen
	}

	if err := m.gov.AwaitFetchToken(ctx); err != nil {
		return Result{}, err
	}

	if m.cfg.RespectRobots && !m.robots.Allowed(ctx, normalizedURL) {
		return Result{}, apperr.ErrPolicyBlocked
	}

	m.sleepInterRequestDelay(ctx)

	v, err := m.breakers.Execute(ctx, host, func(ctx context.Context) (any, error) {
		return m.doRequest(ctx, normalizedURL)
	})
	if err != nil {
		if isBreakerOpenErr(err) {
			return Result{}, apperr.ErrCircuitOpen
		}
		return Result{}, err
	}
	return v.(Result), nil
}

func (m *Manager) doRequest(ctx context.Context, normalizedURL string) (Result, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.HardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, normalizedURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", m.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := m.client.Do(req)
	outcome := "error"
	defer func() { metrics.FetchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds()) }()
	if err != nil {
		if reqCtx.Err() != nil {
			return Result{}, apperr.ErrFetchTimeout
		}
		return Result{}, fmt.Errorf("%w: %v", apperr.ErrNetworkError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", apperr.ErrNetworkError, err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("%w: status %d", apperr.ErrHTTPStatus, resp.StatusCode)
	}
	if fingerprint.IsBlockPage(body) {
		outcome = "block_page"
		return Result{}, apperr.ErrBlockPageDetected
	}
	outcome = "ok"
	return Result{URL: normalizedURL, StatusCode: resp.StatusCode, Body: body, FetchedAt: time.Now().UTC()}, nil
}

func (m *Manager) nextUserAgent() string {
	m.headerMu.Lock()
	defer m.headerMu.Unlock()
	ua := m.cfg.UserAgents[m.headerIdx%len(m.cfg.UserAgents)]
	m.headerIdx++
	return ua
}

func (m *Manager) sleepInterRequestDelay(ctx context.Context) {
	span := m.cfg.InterRequestMax - m.cfg.InterRequestMin
	if span <= 0 {
		return
	}
	delay := m.cfg.InterRequestMin + time.Duration(rand.Int63n(int64(span)))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func isBreakerOpenErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "circuit breaker is open")
}
