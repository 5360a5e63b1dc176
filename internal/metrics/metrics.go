// Package metrics exposes Prometheus instrumentation for the write path,
// the lookup path and the enrollment queue.
//
// Every metrics struct is nil-safe: a nil *Backend, *Lookup or *Enroll
// records nothing, so callers never branch on whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipatuura"

// Registry owns a private Prometheus registry and the metric groups.
type Registry struct {
	reg *prometheus.Registry

	Backend *Backend
	Lookup  *Lookup
	Enroll  *Enroll
}

// New creates a registry with process and Go runtime collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		reg:     reg,
		Backend: newBackend(reg),
		Lookup:  newLookup(reg),
		Enroll:  newEnroll(reg),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer returns the underlying gatherer, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Backend instruments adapter operations.
type Backend struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newBackend(reg prometheus.Registerer) *Backend {
	return &Backend{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_operations_total",
				Help:      "Total number of backend write operations by provider, operation and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_operation_duration_seconds",
				Help:      "Duration of backend write operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
	}
}

// Observe records one adapter call.
func (m *Backend) Observe(provider, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(provider, operation, outcome(err)).Inc()
	m.duration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// Lookup instruments SSSD InfoPipe lookups.
type Lookup struct {
	lookups *prometheus.CounterVec
}

func newLookup(reg prometheus.Registerer) *Lookup {
	return &Lookup{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sssd_lookups_total",
				Help:      "Total number of SSSD lookups by kind and outcome",
			},
			[]string{"kind", "outcome"}, // kind: user, group, user_groups
		),
	}
}

// Observe records one lookup.
func (m *Lookup) Observe(kind string, err error) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(kind, outcome(err)).Inc()
}

// Enroll instruments the background enrollment queue.
type Enroll struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	depth    prometheus.Gauge
}

func newEnroll(reg prometheus.Registerer) *Enroll {
	return &Enroll{
		jobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enroll_jobs_total",
				Help:      "Total number of enrollment jobs by kind and outcome",
			},
			[]string{"kind", "outcome"}, // kind: add, delete
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enroll_job_duration_seconds",
				Help:      "Duration of enrollment jobs",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		depth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "enroll_queue_depth",
				Help:      "Number of enrollment jobs waiting to run",
			},
		),
	}
}

// ObserveJob records a finished job.
func (m *Enroll) ObserveJob(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, outcome(err)).Inc()
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetQueueDepth records the number of queued jobs.
func (m *Enroll) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}
