// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package patrol implements the Patrol Engine of SPEC_FULL.md §4.7: a
// single periodic driver that iterates monitors, drives the
// fetch/fingerprint/detect pipeline, and hands alerts to the
// notification governor.
package patrol

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/breaker"
	"github.com/sitewarden/engine/internal/detect"
	"github.com/sitewarden/engine/internal/fetch"
	"github.com/sitewarden/engine/internal/fingerprint"
	"github.com/sitewarden/engine/internal/governor"
	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/metrics"
	"github.com/sitewarden/engine/internal/model"
	"github.com/sitewarden/engine/internal/notify"
	"github.com/sitewarden/engine/internal/store"
)

// Config tunes the driver. Default cycle interval is 60s per
// SPEC_FULL.md §4.7.
type Config struct {
	CycleInterval time.Duration
}

// DefaultConfig returns SPEC_FULL.md §4.7's default.
func DefaultConfig() Config {
	return Config{CycleInterval: 60 * time.Second}
}

// Engine is the Patrol Engine.
type Engine struct {
	cfg      Config
	store    *store.Store
	gov      *governor.Governor
	breakers *breaker.Registry
	fetcher  *fetch.Manager
	notifier notify.Notifier
}

// New builds an Engine from its collaborators.
func New(cfg Config, s *store.Store, gov *governor.Governor, breakers *breaker.Registry, fetcher *fetch.Manager, notifier notify.Notifier) *Engine {
	return &Engine{cfg: cfg, store: s, gov: gov, breakers: breakers, fetcher: fetcher, notifier: notifier}
}

// Serve implements suture.Service: it runs one cycle every
// cfg.CycleInterval until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.runCycle(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// String implements suture.Service's optional Stringer convention.
func (e *Engine) String() string {
	return "patrol-engine"
}

// mutation is one monitor-level decision produced by processMonitor,
// applied as part of the single coalesced write at cycle end.
type mutation struct {
	chatID        string
	normalizedURL string
	apply         func(m *model.Monitor)
	notification  *notify.Message
}

func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.PatrolCycleDuration.Observe(time.Since(start).Seconds()) }()

	if e.gov.IsCongested() {
		metrics.GovernorCongestedCycles.Inc()
		logging.Warn().Msg("notification queue congested, skipping patrol cycle")
		return
	}

	doc := e.store.Snapshot()
	now := time.Now().UTC()

	var mutations []mutation
	for chatID, user := range doc.Data {
		for _, m := range user.Monitors {
			effective := m.EffectiveConfig(user.UserConfig)
			if !isDue(m, now, effective) {
				metrics.PatrolMonitorsSkipped.WithLabelValues("not_due").Inc()
				continue
			}
			metrics.PatrolMonitorsChecked.Inc()
			mut := e.processMonitor(ctx, chatID, m, effective, now)
			if mut != nil {
				mutations = append(mutations, *mut)
			}
		}
	}

	e.commit(ctx, mutations)
}

// isDue reports whether m is eligible for this cycle: not snoozed and
// past its effective interval since the last check.
func isDue(m *model.Monitor, now time.Time, effective model.Config) bool {
	if m.Metadata.SnoozeUntil != nil && m.Metadata.SnoozeUntil.After(now) {
		return false
	}
	if m.Metadata.LastCheckAt == nil {
		return true
	}
	interval := time.Duration(effective.CheckIntervalSeconds) * time.Second
	due := m.Metadata.LastCheckAt.Add(interval)
	return due.Before(now) || due.Equal(now)
}

// breakerStateFor reports the current circuit-breaker state for
// normalizedURL's host, so it can be stamped onto Metadata.
// CircuitBreakerState alongside every patrol decision, per spec.md's
// metadata shape.
func (e *Engine) breakerStateFor(normalizedURL string) string {
	parsed, err := url.Parse(normalizedURL)
	if err != nil {
		return ""
	}
	return e.breakers.State(parsed.Host).String()
}

// baselineMutation builds the mutation for a fresh or silently-reset
// baseline: no alert, no history entry, just the new fingerprint
// recorded.
func baselineMutation(chatID, normalizedURL string, fp *model.WeightedFingerprint, breakerState string, now time.Time) *mutation {
	return &mutation{
		chatID:        chatID,
		normalizedURL: normalizedURL,
		apply: func(mon *model.Monitor) {
			mon.Fingerprint = fp
			mon.Metadata.LastCheckAt = &now
			mon.Metadata.CheckCount++
			mon.Metadata.LastStatus = model.StatusOK
			mon.Metadata.CircuitBreakerState = breakerState
		},
	}
}

// processMonitor runs the fetch/fingerprint/detect pipeline for one
// monitor and returns the mutation to apply (unchanged content still
// yields one, recording the check), or nil when fingerprint generation
// fails for a reason other than a block page.
func (e *Engine) processMonitor(ctx context.Context, chatID string, m *model.Monitor, effective model.Config, now time.Time) *mutation {
	breakerState := e.breakerStateFor(m.NormalizedURL)

	result, err := e.fetcher.Fetch(ctx, m.NormalizedURL)
	if err != nil {
		return e.handleFetchFailure(chatID, m, now, err, breakerState)
	}

	fp, err := fingerprint.Generate(result.Body)
	if err != nil {
		if errors.Is(err, apperr.ErrBlockPageDetected) {
			return e.handleFetchFailure(chatID, m, now, apperr.ErrBlockPageDetected, breakerState)
		}
		logging.Error().Err(err).Str("url", m.NormalizedURL).Msg("fingerprint generation failed")
		return nil
	}

	if m.Fingerprint == nil {
		return baselineMutation(chatID, m.NormalizedURL, fp, breakerState, now)
	}
	if fp.Version != m.Fingerprint.Version {
		metrics.BaselineResets.Inc()
		return baselineMutation(chatID, m.NormalizedURL, fp, breakerState, now)
	}

	metricsOut := detect.Metrics(m.Fingerprint.ContentText, fp.ContentText, m.Fingerprint.StructureSignature, fp.StructureSignature)

	if metricsOut.Final >= effective.SimilarityThreshold {
		return &mutation{
			chatID:        chatID,
			normalizedURL: m.NormalizedURL,
			apply: func(mon *model.Monitor) {
				mon.Metadata.LastCheckAt = &now
				mon.Metadata.CheckCount++
				mon.Metadata.LastStatus = model.StatusOK
				mon.Metadata.CircuitBreakerState = breakerState
			},
		}
	}

	return e.handleMeaningfulChange(chatID, m, fp, metricsOut, effective, breakerState, now)
}

func (e *Engine) handleMeaningfulChange(chatID string, m *model.Monitor, fp *model.WeightedFingerprint, metricsOut model.SimilarityMetrics, effective model.Config, breakerState string, now time.Time) *mutation {
	changeType := detect.Classify(metricsOut.Final)

	var safeDiff string
	var truncated bool
	if effective.IncludeDiff {
		safeDiff, truncated = detect.SafeDiff(m.Fingerprint.ContentText, fp.ContentText)
	}

	snap, err := detect.BuildSnapshot(m.Fingerprint.ContentText, fp.ContentText, changeType, metricsOut, safeDiff, truncated)
	if err != nil {
		logging.Error().Err(err).Str("url", m.NormalizedURL).Msg("forensic snapshot build failed")
	}

	metrics.ChangesDetected.WithLabelValues(string(changeType)).Inc()
	if truncated {
		metrics.DiffsTruncated.Inc()
	}

	return &mutation{
		chatID:        chatID,
		normalizedURL: m.NormalizedURL,
		apply: func(mon *model.Monitor) {
			mon.History = append(mon.History, model.HistoryEntry{
				Timestamp:       now,
				ChangeType:      changeType,
				SimilarityFinal: metricsOut.Final,
				DiffSummary:     safeDiff,
			})
			_ = mon.PruneHistory(now, detectArchive)
			mon.AppendSnapshot(snap)
			mon.Fingerprint = fp
			mon.Metadata.ConsecutiveFailures = 0
			mon.Metadata.LastCheckAt = &now
			mon.Metadata.CheckCount++
			mon.Metadata.LastStatus = model.StatusOK
			mon.Metadata.CircuitBreakerState = breakerState
		},
		notification: &notify.Message{
			ChatID:          chatID,
			Kind:            notify.KindChangeAlert,
			URL:             m.URL,
			ChangeType:      changeType,
			SimilarityFinal: metricsOut.Final,
			SafeDiff:        safeDiff,
		},
	}
}

// detectArchive is model.Monitor.PruneHistory's injected compression
// function, bound to the detect package so the model package stays
// free of a direct dependency on it.
func detectArchive(expired []model.HistoryEntry) (string, error) {
	return detect.ArchiveHistory(expired)
}

func (e *Engine) handleFetchFailure(chatID string, m *model.Monitor, now time.Time, fetchErr error, breakerState string) *mutation {
	status := classifyFailureStatus(fetchErr)

	if status == model.StatusPolicyBlocked {
		metrics.PatrolMonitorsSkipped.WithLabelValues("policy_blocked").Inc()
		return &mutation{
			chatID:        chatID,
			normalizedURL: m.NormalizedURL,
			apply: func(mon *model.Monitor) {
				mon.Metadata.LastStatus = model.StatusPolicyBlocked
				mon.Metadata.CircuitBreakerState = breakerState
				mon.Metadata.RateLimitCount++
			},
		}
	}

	wasBelowThreshold := m.Metadata.ConsecutiveFailures < 3
	var diagnosticMsg *notify.Message

	mut := &mutation{
		chatID:        chatID,
		normalizedURL: m.NormalizedURL,
		apply: func(mon *model.Monitor) {
			mon.Metadata.ConsecutiveFailures++
			mon.Metadata.LastStatus = status
			mon.Metadata.LastCheckAt = &now
			mon.Metadata.CircuitBreakerState = breakerState
			if status == model.StatusCircuitOpen {
				mon.Metadata.RateLimitCount++
			}
		},
	}

	if wasBelowThreshold && m.Metadata.ConsecutiveFailures+1 >= 3 {
		diagnosticMsg = &notify.Message{
			ChatID: chatID,
			Kind:   notify.KindDiagnostic,
			URL:    m.URL,
		}
	}
	mut.notification = diagnosticMsg
	return mut
}

func classifyFailureStatus(err error) model.LastStatus {
	switch {
	case errors.Is(err, apperr.ErrBlockPageDetected):
		return model.StatusBlockPage
	case errors.Is(err, apperr.ErrFetchTimeout):
		return model.StatusFetchTimeout
	case errors.Is(err, apperr.ErrCircuitOpen):
		return model.StatusCircuitOpen
	case errors.Is(err, apperr.ErrPolicyBlocked):
		return model.StatusPolicyBlocked
	case errors.Is(err, apperr.ErrHTTPStatus):
		return model.StatusHTTPError
	default:
		return model.StatusNetworkError
	}
}

// commit submits every mutation as one coalesced write per
// SPEC_FULL.md §4.7 step 4, then enqueues notifications only after the
// write has durably succeeded, matching §7's ordering guarantee that an
// alert is never enqueued for a history entry that failed to persist.
func (e *Engine) commit(ctx context.Context, mutations []mutation) {
	if len(mutations) == 0 {
		return
	}
	err := e.store.SubmitWrite(ctx, func(doc *model.Document) error {
		for _, mut := range mutations {
			user, ok := doc.Data[mut.chatID]
			if !ok {
				continue
			}
			mon := user.FindMonitor(mut.normalizedURL)
			if mon == nil {
				continue
			}
			mut.apply(mon)
		}
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Msg("patrol cycle write failed")
		return
	}

	for _, mut := range mutations {
		if mut.notification == nil {
			continue
		}
		if enqueueErr := e.gov.Enqueue(ctx, governor.Notification{
			ChatID: mut.notification.ChatID,
			Send: func(ctx context.Context) error {
				return e.notifier.Deliver(ctx, *mut.notification)
			},
		}); enqueueErr != nil {
			logging.Warn().Err(enqueueErr).Str("chat_id", mut.notification.ChatID).Msg("failed to enqueue notification")
		}
	}
}
