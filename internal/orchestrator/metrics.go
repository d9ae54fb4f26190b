package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	jobsFinalTotal     *prometheus.CounterVec
	submitsTotal       *prometheus.CounterVec
	pollsTotal         *prometheus.CounterVec
	downloadsTotal     *prometheus.CounterVec
	duplicatesSkipped  prometheus.Counter
	retriesScheduled   prometheus.Counter
	activeJobs         prometheus.Gauge
	queueDepth         prometheus.Gauge
	jobDurationSeconds *prometheus.HistogramVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsFinalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actflow_jobs_final_total",
			Help: "Jobs that reached a terminal state, by state.",
		}, []string{"state"}),
		submitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actflow_submits_total",
			Help: "Submission calls to the generation API, by outcome.",
		}, []string{"outcome"}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actflow_polls_total",
			Help: "Status poll calls, by observed remote state or error.",
		}, []string{"outcome"}),
		downloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actflow_downloads_total",
			Help: "Asset download attempts, by outcome.",
		}, []string{"outcome"}),
		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actflow_duplicates_skipped_total",
			Help: "Jobs satisfied from an already-downloaded asset.",
		}),
		retriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actflow_retries_scheduled_total",
			Help: "Requeues scheduled by the retry policy.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actflow_active_jobs",
			Help: "Jobs currently submitted or running remotely.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actflow_queue_depth",
			Help: "Jobs waiting for a submission slot.",
		}),
		jobDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "actflow_job_duration_seconds",
			Help:    "Time from enqueue to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.jobsFinalTotal,
		m.submitsTotal,
		m.pollsTotal,
		m.downloadsTotal,
		m.duplicatesSkipped,
		m.retriesScheduled,
		m.activeJobs,
		m.queueDepth,
		m.jobDurationSeconds,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
