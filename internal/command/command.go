// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package command implements the Commander boundary of SPEC_FULL.md
// §6: the set of calls the chat-presentation layer makes into the
// engine. Every mutation flows through the Atomic Store's write queue
// so command handling composes correctly with the Patrol Engine's own
// writes.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/fetch"
	"github.com/sitewarden/engine/internal/model"
	"github.com/sitewarden/engine/internal/store"
)

// Engine implements the Commander interface against one Store.
type Engine struct {
	store *store.Store
}

// New builds an Engine bound to s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// AddMonitor registers url for chatID, normalizing it first. It
// reports ok=false with a human-readable reason rather than an error
// for expected rejections (duplicate URL, malformed URL).
func (e *Engine) AddMonitor(ctx context.Context, chatID, rawURL string) (ok bool, reason string, err error) {
	normalized, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return false, "that doesn't look like a valid URL", nil
	}

	err = e.store.SubmitWrite(ctx, func(doc *model.Document) error {
		user := doc.UserOrCreate(chatID)
		if user.FindMonitor(normalized) != nil {
			return fmt.Errorf("already watching %s", normalized)
		}
		user.Monitors = append(user.Monitors, &model.Monitor{
			URL:           rawURL,
			NormalizedURL: normalized,
			Metadata:      model.Metadata{CreatedAt: time.Now().UTC(), LastStatus: ""},
		})
		return nil
	})
	if err != nil {
		return false, err.Error(), nil
	}
	return true, "", nil
}

// ListMonitors returns one page of chatID's monitors, pageSize per
// page, pages indexed from 0.
func (e *Engine) ListMonitors(chatID string, page, pageSize int) []*model.Monitor {
	if pageSize <= 0 {
		pageSize = 10
	}
	doc := e.store.Snapshot()
	user, ok := doc.Data[chatID]
	if !ok {
		return nil
	}
	start := page * pageSize
	if start >= len(user.Monitors) {
		return nil
	}
	end := start + pageSize
	if end > len(user.Monitors) {
		end = len(user.Monitors)
	}
	return user.Monitors[start:end]
}

// RemoveMonitor deletes url from chatID's monitor list.
func (e *Engine) RemoveMonitor(ctx context.Context, chatID, rawURL string) error {
	normalized, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	return e.store.SubmitWrite(ctx, func(doc *model.Document) error {
		user, ok := doc.Data[chatID]
		if !ok || !user.RemoveMonitor(normalized) {
			return apperr.ErrNotFound
		}
		return nil
	})
}

// allowedSnoozeDurations are the only values SPEC_FULL.md §6 permits
// for Snooze.
var allowedSnoozeDurations = map[time.Duration]bool{
	time.Hour:      true,
	6 * time.Hour:  true,
	24 * time.Hour: true,
}

// Snooze suspends patrolling of url for chatID until now+duration.
// duration must be exactly one of 1h, 6h, or 24h.
func (e *Engine) Snooze(ctx context.Context, chatID, rawURL string, duration time.Duration) error {
	if !allowedSnoozeDurations[duration] {
		return fmt.Errorf("%w: snooze duration must be 1h, 6h, or 24h", apperr.ErrConfigInvalid)
	}
	normalized, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	return e.store.SubmitWrite(ctx, func(doc *model.Document) error {
		user, ok := doc.Data[chatID]
		if !ok {
			return apperr.ErrNotFound
		}
		m := user.FindMonitor(normalized)
		if m == nil {
			return apperr.ErrNotFound
		}
		until := time.Now().UTC().Add(duration)
		m.Metadata.SnoozeUntil = &until
		return nil
	})
}

// StopWatching is an alias SPEC_FULL.md §6 exposes distinctly from
// RemoveMonitor for the chat layer's own UX wording; behaviourally
// identical.
func (e *Engine) StopWatching(ctx context.Context, chatID, rawURL string) error {
	return e.RemoveMonitor(ctx, chatID, rawURL)
}

// GetConfig returns the effective config for url, or the user's
// default config if url is empty.
func (e *Engine) GetConfig(chatID, rawURL string) (model.Config, error) {
	doc := e.store.Snapshot()
	user, ok := doc.Data[chatID]
	if !ok {
		return model.Config{}, apperr.ErrNotFound
	}
	if rawURL == "" {
		return user.UserConfig, nil
	}
	normalized, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return model.Config{}, err
	}
	m := user.FindMonitor(normalized)
	if m == nil {
		return model.Config{}, apperr.ErrNotFound
	}
	return m.EffectiveConfig(user.UserConfig), nil
}

// ConfigPatch carries only the fields the caller wants to change;
// nil fields, IncludeDiff included, are left untouched.
type ConfigPatch struct {
	SimilarityThreshold  *float64
	CheckIntervalSeconds *int
	IncludeDiff          *bool
	CustomSelector       *string
}

// SetConfig applies patch to url's config (or chatID's user default
// when url is empty), rejecting out-of-range values outright rather
// than silently clamping them — the stricter of the two behaviours
// SPEC_FULL.md §3 allows, reserved for values a human explicitly chose.
func (e *Engine) SetConfig(ctx context.Context, chatID, rawURL string, patch ConfigPatch) error {
	if patch.SimilarityThreshold != nil {
		if *patch.SimilarityThreshold <= 0 || *patch.SimilarityThreshold > model.MaxSimilarityThreshold {
			return fmt.Errorf("%w: similarity_threshold must be in (0,1]", apperr.ErrConfigInvalid)
		}
	}
	if patch.CheckIntervalSeconds != nil && *patch.CheckIntervalSeconds < model.MinCheckIntervalSeconds {
		return fmt.Errorf("%w: check_interval_seconds must be >= %d", apperr.ErrConfigInvalid, model.MinCheckIntervalSeconds)
	}

	var normalized string
	if rawURL != "" {
		var err error
		normalized, err = fetch.NormalizeURL(rawURL)
		if err != nil {
			return err
		}
	}

	return e.store.SubmitWrite(ctx, func(doc *model.Document) error {
		user, ok := doc.Data[chatID]
		if !ok {
			return apperr.ErrNotFound
		}
		target := &user.UserConfig
		if normalized != "" {
			m := user.FindMonitor(normalized)
			if m == nil {
				return apperr.ErrNotFound
			}
			if m.Config == nil {
				m.Config = &model.Config{}
			}
			target = m.Config
		}
		applyPatch(target, patch)
		return nil
	})
}

func applyPatch(cfg *model.Config, patch ConfigPatch) {
	if patch.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *patch.SimilarityThreshold
	}
	if patch.CheckIntervalSeconds != nil {
		cfg.CheckIntervalSeconds = *patch.CheckIntervalSeconds
	}
	if patch.IncludeDiff != nil {
		cfg.IncludeDiff = *patch.IncludeDiff
	}
	if patch.CustomSelector != nil {
		cfg.CustomSelector = *patch.CustomSelector
	}
}

// GetHistory returns url's change history for chatID, newest first.
func (e *Engine) GetHistory(chatID, rawURL string) ([]model.HistoryEntry, error) {
	normalized, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	doc := e.store.Snapshot()
	user, ok := doc.Data[chatID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	m := user.FindMonitor(normalized)
	if m == nil {
		return nil, apperr.ErrNotFound
	}
	out := make([]model.HistoryEntry, len(m.History))
	for i, h := range m.History {
		out[len(m.History)-1-i] = h
	}
	return out, nil
}

// HealthSnapshot is the result of Health.
type HealthSnapshot struct {
	TotalUsers    int
	TotalMonitors int
	SchemaVersion string
	UpdatedAt     time.Time
}

// Health reports an operational snapshot of the whole store.
func (e *Engine) Health() HealthSnapshot {
	doc := e.store.Snapshot()
	total := 0
	for _, u := range doc.Data {
		total += len(u.Monitors)
	}
	return HealthSnapshot{
		TotalUsers:    len(doc.Data),
		TotalMonitors: total,
		SchemaVersion: doc.SchemaVersion,
		UpdatedAt:     doc.UpdatedAt,
	}
}
