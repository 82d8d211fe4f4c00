// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStoreMetrics(t *testing.T) {
	StoreWriteDuration.Observe(0.01)
	StoreWriteErrors.WithLabelValues("fsync").Inc()
	StoreQueueDepth.Set(3)
	StoreBackupsPruned.Inc()
}

func TestGovernorMetrics(t *testing.T) {
	GovernorTokensWaitSeconds.Observe(0.2)
	GovernorNotificationQueueDepth.Set(12)
	GovernorCongestedCycles.Inc()
}

func TestBreakerMetrics(t *testing.T) {
	BreakerState.WithLabelValues("example.com").Set(0)
	BreakerState.WithLabelValues("example.com").Set(2)
	BreakerTransitions.WithLabelValues("example.com", "open").Inc()
}

func TestFetchMetrics(t *testing.T) {
	FetchDuration.WithLabelValues("ok").Observe(0.5)
	FetchDuration.WithLabelValues("timeout").Observe(5)
	FetchCollapsed.Inc()
	FetchCacheHits.Inc()
}

func TestFingerprintMetrics(t *testing.T) {
	FingerprintDuration.Observe(0.05)
	BlockPagesDetected.Inc()
	BaselineResets.Inc()
}

func TestDetectMetrics(t *testing.T) {
	ChangesDetected.WithLabelValues("UI_TWEAK").Inc()
	ChangesDetected.WithLabelValues("CONTENT_UPDATE").Inc()
	ChangesDetected.WithLabelValues("MAJOR_OVERHAUL").Inc()
	DiffsTruncated.Inc()
}

func TestPatrolMetrics(t *testing.T) {
	PatrolCycleDuration.Observe(1.2)
	PatrolMonitorsChecked.Inc()
	PatrolMonitorsSkipped.WithLabelValues("not_due").Inc()
	PatrolMonitorsSkipped.WithLabelValues("policy_blocked").Inc()
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		StoreWriteDuration,
		StoreWriteErrors,
		StoreQueueDepth,
		StoreBackupsPruned,
		GovernorTokensWaitSeconds,
		GovernorNotificationQueueDepth,
		GovernorCongestedCycles,
		BreakerState,
		BreakerTransitions,
		FetchDuration,
		FetchCollapsed,
		FetchCacheHits,
		FingerprintDuration,
		BlockPagesDetected,
		BaselineResets,
		ChangesDetected,
		DiffsTruncated,
		PatrolCycleDuration,
		PatrolMonitorsChecked,
		PatrolMonitorsSkipped,
	}

	for _, c := range collectors {
		ch := make(chan *prometheus.Desc, 10)
		c.Describe(ch)
		close(ch)

		count := 0
		for range ch {
			count++
		}
		if count == 0 {
			t.Errorf("metric has no descriptors")
		}
	}
}

func TestMetricGathering(t *testing.T) {
	StoreWriteDuration.Observe(0.01)
	PatrolMonitorsChecked.Inc()

	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer)
	if err != nil {
		t.Logf("lint errors (may be expected): %v", err)
	}
	for _, p := range problems {
		t.Logf("metric lint problem: %s", p.Text)
	}
}
