// Package metrics exposes Prometheus collectors for the monitoring core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollsTotal            *prometheus.CounterVec
	pollDurationSeconds   *prometheus.HistogramVec
	itemsEmittedTotal     *prometheus.CounterVec
	dedupObservedTotal    *prometheus.CounterVec
	browserSessionsLeased prometheus.Gauge
	browserSessionsIdle   prometheus.Gauge
	browserLeaseReclaims  prometheus.Counter
	proxiesUsable         prometheus.Gauge
	proxiesBlacklisted    prometheus.Gauge
	retryAttemptsTotal    *prometheus.CounterVec
	checkpointWritesTotal *prometheus.CounterVec
	activeStreams         *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsentry_polls_total",
				Help: "Total poll ticks, labeled by stream type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		pollDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedsentry_poll_duration_seconds",
				Help:    "Histogram of poll tick latencies, labeled by stream type.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"type"},
		)

		itemsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsentry_items_emitted_total",
				Help: "Total genuinely new items emitted, labeled by stream type.",
			},
			[]string{"type"},
		)

		dedupObservedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsentry_dedup_observed_total",
				Help: "Total dedup observations, labeled by result (new or duplicate).",
			},
			[]string{"result"},
		)

		browserSessionsLeased = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedsentry_browser_sessions_leased",
				Help: "Number of browser sessions currently leased.",
			},
		)

		browserSessionsIdle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedsentry_browser_sessions_idle",
				Help: "Number of warm idle browser sessions.",
			},
		)

		browserLeaseReclaims = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "feedsentry_browser_lease_reclaims_total",
				Help: "Total leaked sessions force-reclaimed by the lease janitor.",
			},
		)

		proxiesUsable = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedsentry_proxies_usable",
				Help: "Number of proxies currently usable.",
			},
		)

		proxiesBlacklisted = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedsentry_proxies_blacklisted",
				Help: "Number of proxies currently blacklisted.",
			},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsentry_retry_attempts_total",
				Help: "Total retry attempts, labeled by failure kind.",
			},
			[]string{"kind"},
		)

		checkpointWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsentry_checkpoint_writes_total",
				Help: "Total checkpoint writes, labeled by status.",
			},
			[]string{"status"},
		)

		activeStreams = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feedsentry_streams",
				Help: "Number of streams, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePoll records one completed poll tick.
func ObservePoll(streamType, outcome string, duration time.Duration) {
	Init()
	pollsTotal.WithLabelValues(streamType, outcome).Inc()
	pollDurationSeconds.WithLabelValues(streamType).Observe(duration.Seconds())
}

// ObserveItemsEmitted adds to the new-item counter for the stream type.
func ObserveItemsEmitted(streamType string, n int) {
	if n <= 0 {
		return
	}
	Init()
	itemsEmittedTotal.WithLabelValues(streamType).Add(float64(n))
}

// ObserveDedup records one dedup observation.
func ObserveDedup(result string) {
	Init()
	dedupObservedTotal.WithLabelValues(result).Inc()
}

// SetBrowserOccupancy updates the session pool gauges.
func SetBrowserOccupancy(leased, idle int) {
	Init()
	browserSessionsLeased.Set(float64(leased))
	browserSessionsIdle.Set(float64(idle))
}

// ObserveLeaseReclaim increments the janitor reclaim counter.
func ObserveLeaseReclaim() {
	Init()
	browserLeaseReclaims.Inc()
}

// SetProxyHealth updates the proxy pool gauges.
func SetProxyHealth(usable, blacklisted int) {
	Init()
	proxiesUsable.Set(float64(usable))
	proxiesBlacklisted.Set(float64(blacklisted))
}

// ObserveRetry increments the retry counter for the failure kind.
func ObserveRetry(kind string) {
	Init()
	retryAttemptsTotal.WithLabelValues(kind).Inc()
}

// ObserveCheckpoint increments the checkpoint write counter.
func ObserveCheckpoint(status string) {
	Init()
	checkpointWritesTotal.WithLabelValues(status).Inc()
}

// SetStreams updates the per-status stream gauge.
func SetStreams(status string, n int) {
	Init()
	activeStreams.WithLabelValues(status).Set(float64(n))
}
