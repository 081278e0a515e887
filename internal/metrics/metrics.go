// Package metrics holds the Prometheus registry and meters of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusAborted  = "aborted"
	StatusError    = "error"
)

// Metrics holds the Prometheus metrics registry and standard meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	BytesTotal        *prometheus.CounterVec
	SweepRuns         *prometheus.CounterVec
	SweepReclaimed    prometheus.Counter
}

// New creates a custom Prometheus registry with the voicevault meters plus
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicevault_operation_duration_seconds",
		Help:    "Duration of blob operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicevault_operation_total",
		Help: "Total number of blob operations.",
	}, []string{"operation", "status"})

	bytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicevault_bytes_total",
		Help: "Total audio bytes moved.",
	}, []string{"direction"})

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicevault_sweep_runs_total",
		Help: "Total number of orphan sweeps.",
	}, []string{"status"})

	sweepReclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicevault_sweep_reclaimed_total",
		Help: "Total number of orphaned blobs whose chunks were deleted.",
	})

	reg.MustRegister(
		opDuration, opTotal, bytesTotal, sweepRuns, sweepReclaimed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		BytesTotal:        bytesTotal,
		SweepRuns:         sweepRuns,
		SweepReclaimed:    sweepReclaimed,
	}
}

// Observe records one finished operation. A nil Metrics records nothing.
func (m *Metrics) Observe(operation, status string, started time.Time) {
	if m == nil {
		return
	}
	m.OperationTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// AddBytes counts n bytes moving in direction ("in" or "out").
func (m *Metrics) AddBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(reclaimed int, err error) {
	if m == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.SweepRuns.WithLabelValues(status).Inc()
	m.SweepReclaimed.Add(float64(reclaimed))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
