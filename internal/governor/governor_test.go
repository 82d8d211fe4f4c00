// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGovernor_FetchTokenBucketThrottles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FetchRPS = 1000
	cfg.FetchBurst = 2
	g := New(cfg)

	ctx := context.Background()
	require.NoError(t, g.AwaitFetchToken(ctx))
	require.NoError(t, g.AwaitFetchToken(ctx))

	start := time.Now()
	require.NoError(t, g.AwaitFetchToken(ctx))
	assert.Greater(t, time.Since(start), time.Duration(0))
}

func TestGovernor_CongestionThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotificationCapacity = 200
	cfg.CongestionThreshold = 5
	g := New(cfg)

	for i := 0; i < 6; i++ {
		require.NoError(t, g.Enqueue(context.Background(), Notification{
			ChatID: "chat",
			Send:   func(ctx context.Context) error { return nil },
		}))
	}
	assert.True(t, g.IsCongested())
}

func TestGovernor_ServeDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := DefaultConfig()
	cfg.NotificationDrainRPS = 1000
	cfg.NotificationCapacity = 10
	g := New(cfg)

	var delivered atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)

	done := make(chan struct{})
	go func() { _ = g.Serve(ctx); close(done) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Enqueue(context.Background(), Notification{
			Send: func(ctx context.Context) error {
				delivered.Add(1)
				return nil
			},
		}))
	}

	require.Eventually(t, func() bool { return delivered.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
