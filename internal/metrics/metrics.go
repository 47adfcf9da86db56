// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	cyclesTotal         *prometheus.CounterVec
	itemsTotal          *prometheus.CounterVec
	jobsTotal           *prometheus.CounterVec
	jobPollsTotal       prometheus.Counter
	jobWaitSeconds      prometheus.Histogram
	vaultCorruptLines   prometheus.Counter
	vaultSize           prometheus.Gauge
	cloudSyncTotal      *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	lastSuccessfulCycle prometheus.Gauge
	rateLimitDelay      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_cycles_total",
				Help: "Total number of ingestion cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_items_total",
				Help: "Items returned by jobs, labeled by disposition (new, duplicate).",
			},
			[]string{"disposition"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_jobs_total",
				Help: "Remote jobs driven to completion, labeled by result.",
			},
			[]string{"result"},
		)

		jobPollsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_job_polls_total",
				Help: "Total number of job status checks.",
			},
		)

		jobWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_job_wait_seconds",
				Help:    "Time from submission to terminal status.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		vaultCorruptLines = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_vault_corrupt_lines_total",
				Help: "Vault lines skipped because they could not be parsed.",
			},
		)

		vaultSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_vault_items",
				Help: "Number of stored items as of the last successful cycle.",
			},
		)

		cloudSyncTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_cloud_sync_total",
				Help: "Vault backup attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_http_requests_total",
				Help: "Status API requests, labeled by route and code class.",
			},
			[]string{"route", "code"},
		)

		lastSuccessfulCycle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_last_successful_cycle_timestamp_seconds",
				Help: "Unix time of the last successful ingestion cycle.",
			},
		)

		rateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delay_seconds",
				Help:    "Time outbound API calls spent waiting on the rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle increments the cycle counter for outcome.
func ObserveCycle(outcome string) {
	Init()
	cyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveIngest records the dedup result of one batch.
func ObserveIngest(newItems, duplicates, stored int, at time.Time) {
	Init()
	itemsTotal.WithLabelValues("new").Add(float64(newItems))
	itemsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	vaultSize.Set(float64(stored))
	lastSuccessfulCycle.Set(float64(at.Unix()))
}

// ObserveJob increments the job counter for result.
func ObserveJob(result string) {
	Init()
	jobsTotal.WithLabelValues(result).Inc()
}

// ObservePoll increments the status-check counter.
func ObservePoll() {
	Init()
	jobPollsTotal.Inc()
}

// ObserveJobWait records how long a job took to reach a terminal state.
func ObserveJobWait(d time.Duration) {
	Init()
	jobWaitSeconds.Observe(d.Seconds())
}

// ObserveCorruptLines adds n skipped vault lines.
func ObserveCorruptLines(n int) {
	if n <= 0 {
		return
	}
	Init()
	vaultCorruptLines.Add(float64(n))
}

// ObserveCloudSync increments the backup counter for outcome.
func ObserveCloudSync(outcome string) {
	Init()
	cloudSyncTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the status API request counter.
func ObserveHTTPRequest(route string, code int) {
	Init()
	httpRequestsTotal.WithLabelValues(route, codeClass(code)).Inc()
}

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// ObserveRateLimitDelay records time spent waiting for a rate limit token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}
