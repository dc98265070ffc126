package worker

import (
	"net/http"

	"github.com/dunamismax/pixelfit/internal/surface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	stageDuration        *prometheus.HistogramVec
	strategyTotal        *prometheus.CounterVec
	activeJobs           prometheus.Gauge
	batchesTotal         *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics(pool *surface.Pool) *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelfit_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelfit_pipeline_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages by operation kind.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind"}),
		strategyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_pipeline_strategy_total",
			Help: "Processed sources by selected resolution strategy.",
		}, []string{"strategy"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelfit_worker_active_jobs",
			Help: "Current number of active processing jobs in the worker.",
		}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_worker_batches_total",
			Help: "Total batch tasks by outcome.",
		}, []string{"status"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelfit_usage_pixels_processed_total",
			Help: "Total output pixels produced across all successful jobs.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelfit_usage_bytes_saved_total",
			Help: "Total bytes saved across all successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelfit_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.stageDuration,
		m.strategyTotal,
		m.activeJobs,
		m.batchesTotal,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
	)
	if pool != nil {
		registerPoolMetrics(registry, pool)
	}
	return m
}

func registerPoolMetrics(registry *prometheus.Registry, pool *surface.Pool) {
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pixelfit_surface_pool_size",
			Help: "Surfaces currently held for reuse.",
		}, func() float64 { return float64(pool.Stats().Pooled) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pixelfit_surface_pool_hits_total",
			Help: "Surface acquisitions served from the pool.",
		}, func() float64 { return float64(pool.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pixelfit_surface_pool_misses_total",
			Help: "Surface acquisitions that allocated a new surface.",
		}, func() float64 { return float64(pool.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pixelfit_surface_pool_destroyed_total",
			Help: "Surfaces destroyed instead of pooled.",
		}, func() float64 { return float64(pool.Stats().Destroyed) }),
	)
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
