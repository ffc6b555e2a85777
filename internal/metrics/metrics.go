// Package metrics exposes the Prometheus collectors of the sync pipeline.
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the pipeline collectors.
type Metrics struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	upstreamRetries  *prometheus.CounterVec

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRecords  *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec

	marketValuePlayers *prometheus.GaugeVec
	marketValueCells   *prometheus.GaugeVec
	marketValueLastRun prometheus.Gauge

	progressSubscribers prometheus.Gauge
	progressDropped     prometheus.Counter
}

// New registers the collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Marketplace API requests by resource and outcome.",
		}, []string{"resource", "outcome"}),
		upstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Marketplace API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		upstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried marketplace API requests.",
		}, []string{"resource"}),
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"stage"}),
		stageRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_records_total",
			Help:      "Records handled by stages, split into processed and failed.",
		}, []string{"stage", "result"}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Orchestrator runs by sync type and final status.",
		}, []string{"sync_type", "status"}),
		marketValuePlayers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_value_players",
			Help:      "Players per valuation method in the last market-values run.",
		}, []string{"method"}),
		marketValueCells: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_value_cells",
			Help:      "Multiplier matrix cells in the last build.",
		}, []string{"kind"}),
		marketValueLastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_value_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed market-values run.",
		}),
		progressSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      "Live progress subscriptions.",
		}),
		progressDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_dropped_total",
			Help:      "Progress events dropped because a subscriber was full or gone.",
		}),
	}
}

// ObserveUpstream records one upstream attempt.
func (m *Metrics) ObserveUpstream(resource, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(resource, outcome).Inc()
	m.upstreamLatency.WithLabelValues(resource).Observe(d.Seconds())
}

// IncUpstreamRetry counts a retried upstream request.
func (m *Metrics) IncUpstreamRetry(resource string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(resource).Inc()
}

// ObserveStage records a finished stage.
func (m *Metrics) ObserveStage(stage string, success bool, d time.Duration, processed, failed int) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.stageRuns.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.stageRecords.WithLabelValues(stage, "processed").Add(float64(processed))
	m.stageRecords.WithLabelValues(stage, "failed").Add(float64(failed))
}

// IncSyncRun counts a finished orchestrator run.
func (m *Metrics) IncSyncRun(syncType, status string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(syncType, status).Inc()
}

// SetMarketValueResult publishes the outcome of a market-values run.
func (m *Metrics) SetMarketValueResult(byMethod map[string]int, cells, validCells int) {
	if m == nil {
		return
	}
	for method, n := range byMethod {
		m.marketValuePlayers.WithLabelValues(method).Set(float64(n))
	}
	m.marketValueCells.WithLabelValues("total").Set(float64(cells))
	m.marketValueCells.WithLabelValues("valid").Set(float64(validCells))
	m.marketValueLastRun.SetToCurrentTime()
}

// SetProgressSubscribers publishes the live subscription count.
func (m *Metrics) SetProgressSubscribers(n int) {
	if m == nil {
		return
	}
	m.progressSubscribers.Set(float64(n))
}

// IncProgressDropped counts an undelivered progress event.
func (m *Metrics) IncProgressDropped() {
	if m == nil {
		return
	}
	m.progressDropped.Inc()
}
