// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package governor implements the Global Governor of SPEC_FULL.md §4.2:
// a single process-wide fetch token bucket shared by every monitor, and
// a bounded outbound-notification leaky bucket drained at a fixed rate
// by one dedicated goroutine.
package governor

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/sitewarden/engine/internal/metrics"
)

// Config tunes both rate limiters. Defaults match SPEC_FULL.md §4.2:
// 5 fetch tokens refilling at 5/s, a 1000-capacity notification queue
// drained at 25/s, congestion reported above 50 queued.
type Config struct {
	FetchRPS             float64
	FetchBurst           int
	NotificationDrainRPS float64
	NotificationCapacity int
	CongestionThreshold  int
}

// DefaultConfig returns SPEC_FULL.md §4.2's defaults.
func DefaultConfig() Config {
	return Config{
		FetchRPS:             5.0,
		FetchBurst:           5,
		NotificationDrainRPS: 25.0,
		NotificationCapacity: 1000,
		CongestionThreshold:  50,
	}
}

// Notification is one outbound message queued for delivery.
type Notification struct {
	ChatID string
	Send   func(ctx context.Context) error
}

// Governor owns the fetch limiter and the notification queue.
type Governor struct {
	cfg Config

	fetchLimiter *rate.Limiter
	notify       chan Notification
	drainLimiter *rate.Limiter
}

// New builds a Governor from cfg. The notification channel is created
// at cfg.NotificationCapacity so a full queue blocks enqueuers rather
// than growing unboundedly.
func New(cfg Config) *Governor {
	return &Governor{
		cfg:          cfg,
		fetchLimiter: rate.NewLimiter(rate.Limit(cfg.FetchRPS), cfg.FetchBurst),
		notify:       make(chan Notification, cfg.NotificationCapacity),
		drainLimiter: rate.NewLimiter(rate.Limit(cfg.NotificationDrainRPS), 1),
	}
}

// AwaitFetchToken blocks until one fetch token is available or ctx is
// cancelled. Every outbound HTTP fetch in the Request Manager must pass
// through this call before dialing out, regardless of which monitor or
// tenant initiated it.
func (g *Governor) AwaitFetchToken(ctx context.Context) error {
	start := time.Now()
	err := g.fetchLimiter.Wait(ctx)
	metrics.GovernorTokensWaitSeconds.Observe(time.Since(start).Seconds())
	return err
}

// Enqueue submits a notification to the leaky bucket. It blocks if the
// queue is at capacity, and returns an error if ctx is cancelled first.
func (g *Governor) Enqueue(ctx context.Context, n Notification) error {
	select {
	case g.notify <- n:
		metrics.GovernorNotificationQueueDepth.Set(float64(len(g.notify)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports how many notifications are currently queued.
func (g *Governor) QueueDepth() int {
	return len(g.notify)
}

// IsCongested reports whether the notification queue has backed up
// beyond the configured threshold (50 by default); the Patrol Engine
// consults this to decide whether to defer a cycle.
func (g *Governor) IsCongested() bool {
	return g.QueueDepth() > g.cfg.CongestionThreshold
}

// Serve implements suture.Service: it drains the notification queue at
// the configured rate until ctx is cancelled. Each send error is
// swallowed at this layer — callers that need delivery confirmation
// should check Send's own error inside the closure and handle retries
// there, since the drain loop itself never retries.
func (g *Governor) Serve(ctx context.Context) error {
	for {
		if err := g.drainLimiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		select {
		case n := <-g.notify:
			metrics.GovernorNotificationQueueDepth.Set(float64(len(g.notify)))
			_ = n.Send(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// String implements suture.Service's optional Stringer convention.
func (g *Governor) String() string {
	return "governor"
}
