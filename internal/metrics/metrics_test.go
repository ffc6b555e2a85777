package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveUpstream("players", "ok", time.Millisecond)
		m.IncUpstreamRetry("players")
		m.ObserveStage("players-import", true, time.Second, 1, 0)
		m.IncSyncRun("daily", "completed")
		m.SetMarketValueResult(map[string]int{"direct": 1}, 2, 1)
		m.SetProgressSubscribers(3)
		m.IncProgressDropped()
	})
}

func TestStageCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.ObserveStage("players-import", true, time.Second, 10, 2)
	m.ObserveStage("players-import", false, time.Second, 5, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageRuns.WithLabelValues("players-import", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageRuns.WithLabelValues("players-import", "failure")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.stageRecords.WithLabelValues("players-import", "processed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stageRecords.WithLabelValues("players-import", "failed")))
}
