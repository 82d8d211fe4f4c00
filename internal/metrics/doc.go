// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package metrics provides Prometheus metrics collection and export for the
monitoring engine.

This package implements application instrumentation using the Prometheus
client library, exposing metrics for every subsystem named in
SPEC_FULL.md §2: the atomic store, the global governor, the circuit
breaker registry, the request manager, the fingerprinter, the change
detector, and the patrol engine.

# Overview

The package provides metrics for:
  - Atomic-store write latency, queue depth, and backup eviction
  - Governor fetch-token wait time and notification-queue congestion
  - Circuit breaker state and per-host transitions
  - Fetch duration, request collapsing, and cache hit rate
  - Fingerprint duration, block-page detections, baseline resets
  - Detected changes by classification and diff truncation
  - Patrol cycle duration and monitors checked/skipped by reason

# Metrics Endpoint

Metrics are exposed at /metrics by internal/apihealth, in Prometheus
text format:

	curl http://localhost:9090/metrics

# Available Metrics

Store Metrics:
  - sitewarden_store_write_duration_seconds: dequeue-to-fsync+rename latency (histogram)
  - sitewarden_store_write_errors_total: write failures by kind (counter)
    Labels: kind
  - sitewarden_store_queue_depth: pending mutations waiting on the writer (gauge)
  - sitewarden_store_backups_pruned_total: rolling backups evicted (counter)

Governor Metrics:
  - sitewarden_governor_fetch_token_wait_seconds: time blocked acquiring a fetch token (histogram)
  - sitewarden_governor_notification_queue_depth: current leaky-bucket depth (gauge)
  - sitewarden_governor_congested_cycles_total: patrol cycles skipped for congestion (counter)

Circuit Breaker Metrics:
  - sitewarden_breaker_state: current state per host (gauge)
    Values: 0=closed, 1=half-open, 2=open
  - sitewarden_breaker_transitions_total: state transitions per host (counter)
    Labels: host, to

Fetch Metrics:
  - sitewarden_fetch_duration_seconds: HTTP fetch duration by outcome (histogram)
    Labels: outcome
  - sitewarden_fetch_collapsed_total: fetches joined to an in-flight singleflight call (counter)
  - sitewarden_fetch_cache_hits_total: fetches served from the completed-result cache (counter)

Fingerprint Metrics:
  - sitewarden_fingerprint_duration_seconds: parse+clean+hash time per page (histogram)
  - sitewarden_fingerprint_block_pages_total: block-page detections (counter)
  - sitewarden_fingerprint_baseline_resets_total: silent baseline resets on a version bump (counter)

Change Detection Metrics:
  - sitewarden_detect_changes_total: detected changes by classification (counter)
    Labels: change_type
  - sitewarden_detect_diffs_truncated_total: safe diffs over the 3000-char cap (counter)

Patrol Metrics:
  - sitewarden_patrol_cycle_duration_seconds: wall time of one full cycle (histogram)
  - sitewarden_patrol_monitors_checked_total: monitors due this cycle and handed to the fetch pipeline (counter)
  - sitewarden_patrol_monitors_skipped_total: monitors skipped by reason (counter)
    Labels: reason (not_due, policy_blocked, ...)

# Usage Example

Metrics are package-level promauto vars; importing the package registers
them with the default Prometheus registry, and internal/apihealth serves
them:

	import (
	    "github.com/prometheus/client_golang/prometheus/promhttp"
	    "github.com/sitewarden/engine/internal/metrics"
	)

	func recordFetch(outcome string, d time.Duration) {
	    metrics.FetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}

	http.Handle("/metrics", promhttp.Handler())

# Prometheus Configuration

Example prometheus.yml configuration:

	scrape_configs:
	  - job_name: 'sitewarden'
	    static_configs:
	      - targets: ['localhost:9090']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

# Cardinality Management

Every label set here is small and fixed: breaker labels are per-host (one
per monitored domain, not per URL or per user), fetch outcomes are a
closed enum, and patrol skip reasons are a closed enum. No per-user or
per-monitor label is ever attached to a metric, to keep cardinality
bounded as the user/monitor count grows into the thousands.

# Alerting Rules

Example Prometheus alerting rules:

	groups:
	  - name: sitewarden
	    rules:
	      - alert: NotificationQueueCongested
	        expr: sitewarden_governor_notification_queue_depth > 50
	        for: 5m
	        annotations:
	          summary: "Notification queue congested, patrol cycles being skipped"

	      - alert: CircuitBreakerOpen
	        expr: sitewarden_breaker_state > 0
	        for: 10m
	        annotations:
	          summary: "Circuit breaker open for {{ $labels.host }}"

	      - alert: StoreWriteQueueBacklog
	        expr: sitewarden_store_queue_depth > 100
	        for: 2m
	        annotations:
	          summary: "Atomic-store write queue backing up"

# See Also

  - internal/apihealth: exposes these metrics on GET /metrics
  - internal/patrol: the heaviest emitter of cycle/monitor counters
  - https://prometheus.io/docs/practices/naming/: Metric naming conventions
  - https://prometheus.io/docs/practices/instrumentation/: Instrumentation guide
*/
package metrics
