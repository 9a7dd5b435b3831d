// Package metrics exposes prometheus instrumentation for the fetch and
// normalization pipeline.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

// PipelineMetrics captures fetch pipeline health signals.
type PipelineMetrics struct {
	fetchRuns      *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	fetchErrors    *prometheus.CounterVec
	rateLimitWait  *prometheus.HistogramVec
	jobsParked     *prometheus.GaugeVec
	recordsDropped *prometheus.CounterVec
	eventsAppended prometheus.Counter
	cacheOps       *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tollway"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &PipelineMetrics{
		fetchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tollway_fetch_runs_total",
			Help:        "Fetch job runs by provider and outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tollway_fetch_duration_seconds",
			Help:        "Fetch job latency per provider.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tollway_fetch_errors_total",
			Help:        "Fetch failures by provider and error class.",
			ConstLabels: constLabels,
		}, []string{"provider", "class"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tollway_rate_limit_wait_seconds",
			Help:        "Time spent waiting on the per-provider rate limiter.",
			Buckets:     []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		jobsParked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tollway_fetch_jobs_parked",
			Help:        "Fetch jobs parked awaiting operator intervention.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tollway_normalize_records_dropped_total",
			Help:        "Malformed raw records skipped during normalization.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tollway_usage_events_appended_total",
			Help:        "Canonical usage events appended to the sink.",
			ConstLabels: constLabels,
		}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tollway_raw_cache_ops_total",
			Help:        "Raw cache operations by result.",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
	}

	for _, c := range []prometheus.Collector{
		m.fetchRuns, m.fetchDuration, m.fetchErrors, m.rateLimitWait,
		m.jobsParked, m.recordsDropped, m.eventsAppended, m.cacheOps,
	} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

func (m *PipelineMetrics) IncFetchRun(provider, outcome string) {
	if m == nil {
		return
	}
	m.fetchRuns.WithLabelValues(provider, outcome).Inc()
}

func (m *PipelineMetrics) ObserveFetchDuration(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *PipelineMetrics) IncFetchError(provider, class string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(provider, class).Inc()
}

func (m *PipelineMetrics) ObserveRateLimitWait(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *PipelineMetrics) SetJobsParked(provider string, n int) {
	if m == nil {
		return
	}
	m.jobsParked.WithLabelValues(provider).Set(float64(n))
}

func (m *PipelineMetrics) IncRecordsDropped(provider string) {
	if m == nil {
		return
	}
	m.recordsDropped.WithLabelValues(provider).Inc()
}

func (m *PipelineMetrics) AddEventsAppended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsAppended.Add(float64(n))
}

func (m *PipelineMetrics) IncCacheOp(op, result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}
