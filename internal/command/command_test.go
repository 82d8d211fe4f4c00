// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/engine/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.MinFreeSpaceMB = 0
	s, err := store.New(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Load())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Serve(ctx) }()

	return New(s)
}

func TestEngine_AddAndListMonitor(t *testing.T) {
	e := newTestEngine(t)
	ok, reason, err := e.AddMonitor(context.Background(), "chat-1", "https://Example.com/")
	require.NoError(t, err)
	require.True(t, ok, reason)

	list := e.ListMonitors("chat-1", 0, 10)
	require.Len(t, list, 1)
	assert.Equal(t, "https://example.com/", list[0].NormalizedURL)
}

func TestEngine_AddMonitorRejectsDuplicate(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)

	ok, reason, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "already watching")
}

func TestEngine_SnoozeRejectsInvalidDuration(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)

	err = e.Snooze(context.Background(), "chat-1", "https://example.com", 2*time.Hour)
	assert.Error(t, err)
}

func TestEngine_SetConfigRejectsOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)

	bad := 15
	err = e.SetConfig(context.Background(), "chat-1", "https://example.com", ConfigPatch{CheckIntervalSeconds: &bad})
	assert.Error(t, err)
}

func TestEngine_RemoveMonitor(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)

	require.NoError(t, e.RemoveMonitor(context.Background(), "chat-1", "https://example.com"))
	assert.Empty(t, e.ListMonitors("chat-1", 0, 10))
}

func TestEngine_ExportJSON(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)

	blob, err := e.Export("chat-1", FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(blob), "example.com")
}

func TestEngine_ImportSkipsDuplicates(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.AddMonitor(context.Background(), "chat-1", "https://example.com")
	require.NoError(t, err)

	imported, skipped, err := e.Import(context.Background(), "chat-1", []ImportEntry{
		{URL: "https://example.com"},
		{URL: "https://example.org"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, skipped)
}
