// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics defines the engine's Prometheus instrumentation,
// grouped by subsystem following the teacher's internal/metrics layout
// (package-level promauto vars, one block per subsystem).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store subsystem.
var (
	StoreWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitewarden",
		Subsystem: "store",
		Name:      "write_duration_seconds",
		Help:      "Duration of a single atomic-store write, from dequeue to fsync+rename.",
		Buckets:   prometheus.DefBuckets,
	})
	StoreWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "store",
		Name:      "write_errors_total",
		Help:      "Atomic-store write failures by kind.",
	}, []string{"kind"})
	StoreQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitewarden",
		Subsystem: "store",
		Name:      "queue_depth",
		Help:      "Pending mutations waiting on the atomic-store writer.",
	})
	StoreBackupsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "store",
		Name:      "backups_pruned_total",
		Help:      "Rolling backups evicted beyond the retention cap.",
	})
)

// Governor subsystem.
var (
	GovernorTokensWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitewarden",
		Subsystem: "governor",
		Name:      "fetch_token_wait_seconds",
		Help:      "Time spent blocked acquiring a fetch token.",
		Buckets:   prometheus.DefBuckets,
	})
	GovernorNotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitewarden",
		Subsystem: "governor",
		Name:      "notification_queue_depth",
		Help:      "Current depth of the outbound notification leaky bucket.",
	})
	GovernorCongestedCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "governor",
		Name:      "congested_cycles_total",
		Help:      "Patrol cycles skipped because the notification queue was congested.",
	})
)

// Circuit breaker subsystem.
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sitewarden",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per host (0=closed, 1=half-open, 2=open).",
	}, []string{"host"})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions per host.",
	}, []string{"host", "to"})
)

// Fetch subsystem.
var (
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sitewarden",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "HTTP fetch duration by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
	FetchCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "fetch",
		Name:      "collapsed_total",
		Help:      "Fetches that joined an in-flight singleflight call instead of dialing out.",
	})
	FetchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "fetch",
		Name:      "cache_hits_total",
		Help:      "Fetches served from the 30s completed-result cache.",
	})
)

// Fingerprint subsystem.
var (
	FingerprintDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitewarden",
		Subsystem: "fingerprint",
		Name:      "duration_seconds",
		Help:      "Time to parse, clean, and hash one fetched page.",
		Buckets:   prometheus.DefBuckets,
	})
	BlockPagesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "fingerprint",
		Name:      "block_pages_total",
		Help:      "Block-page detections across all monitors.",
	})
	BaselineResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "fingerprint",
		Name:      "baseline_resets_total",
		Help:      "Silent baseline resets triggered by a fingerprinter version bump.",
	})
)

// Change-detection subsystem.
var (
	ChangesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "detect",
		Name:      "changes_total",
		Help:      "Detected changes by classification.",
	}, []string{"change_type"})
	DiffsTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "detect",
		Name:      "diffs_truncated_total",
		Help:      "Safe diffs that exceeded the 3000-character cap and were truncated.",
	})
)

// Patrol subsystem.
var (
	PatrolCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitewarden",
		Subsystem: "patrol",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one full patrol cycle.",
		Buckets:   prometheus.DefBuckets,
	})
	PatrolMonitorsChecked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "patrol",
		Name:      "monitors_checked_total",
		Help:      "Monitors due this cycle and handed to the fetch pipeline.",
	})
	PatrolMonitorsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewarden",
		Subsystem: "patrol",
		Name:      "monitors_skipped_total",
		Help:      "Monitors skipped this cycle by reason.",
	}, []string{"reason"})
)
