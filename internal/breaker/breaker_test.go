// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_TripsAfterThreeConsecutiveFailures(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), "example.com", func(ctx context.Context) (any, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, r.State("example.com"))

	_, err := r.Execute(context.Background(), "example.com", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestRegistry_OnOpenFiresExactlyOnceOnTrip(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	boom := errors.New("boom")

	var opened []string
	r.SetOnOpen(func(host string) { opened = append(opened, host) })

	for i := 0; i < 3; i++ {
		_, _ = r.Execute(context.Background(), "example.com", func(ctx context.Context) (any, error) {
			return nil, boom
		})
	}

	assert.Equal(t, []string{"example.com"}, opened)

	_, _ = r.Execute(context.Background(), "example.com", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.Equal(t, []string{"example.com"}, opened, "OnOpen must not fire again for a non-transition call")
}

func TestRegistry_HostsAreIndependent(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, _ = r.Execute(context.Background(), "a.example", func(ctx context.Context) (any, error) {
			return nil, boom
		})
	}
	assert.Equal(t, StateOpen, r.State("a.example"))
	assert.Equal(t, StateClosed, r.State("b.example"))
}

func TestRegistry_SnapshotReportsAllSeenHosts(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	_, _ = r.Execute(context.Background(), "a.example", func(ctx context.Context) (any, error) { return nil, nil })
	_, _ = r.Execute(context.Background(), "b.example", func(ctx context.Context) (any, error) { return nil, nil })

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, StateClosed, snap["a.example"])
}
