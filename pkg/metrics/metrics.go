// Package metrics exposes pipeline, scheduler and control surface metrics to
// Prometheus through a private registry.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/schedule"
)

// Metrics holds all Prometheus metrics of the DSP runtime. It implements
// schedule.Observer and the engine observer contract.
type Metrics struct {
	// Scheduler metrics
	taskRuns     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskOverruns *prometheus.CounterVec

	// Pipeline metrics
	pipelineStatus      *prometheus.GaugeVec
	pipelineTransitions *prometheus.CounterVec
	xrunsTotal          *prometheus.CounterVec
	xrunBytes           *prometheus.CounterVec

	// Topology reload metrics
	topologyReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_task_runs_total",
				Help: "Total number of scheduled task runs by outcome",
			},
			[]string{"scheduler", "task", "outcome"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsp_task_run_duration_seconds",
				Help:    "Task run duration in seconds",
				Buckets: []float64{.00001, .00005, .0001, .00025, .0005, .001, .0025, .005, .01},
			},
			[]string{"scheduler"},
		),

		taskOverruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_task_overruns_total",
				Help: "Total number of missed task periods",
			},
			[]string{"scheduler", "task"},
		),

		pipelineStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dsp_pipeline_status",
				Help: "Current pipeline status (0=init 1=ready 2=suspend 3=prepare 4=paused 5=active)",
			},
			[]string{"pipeline"},
		),

		pipelineTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_pipeline_transitions_total",
				Help: "Total number of pipeline status changes by target status",
			},
			[]string{"pipeline", "status"},
		),

		xrunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_xruns_total",
				Help: "Total number of under/overruns reported to the host",
			},
			[]string{"pipeline", "component"},
		),

		xrunBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_xrun_bytes_total",
				Help: "Total number of bytes lost to under/overruns",
			},
			[]string{"pipeline"},
		),

		topologyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_topology_reloads_total",
				Help: "Total number of topology reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsp_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsp_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.taskRuns,
		m.taskDuration,
		m.taskOverruns,
		m.pipelineStatus,
		m.pipelineTransitions,
		m.xrunsTotal,
		m.xrunBytes,
		m.topologyReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// TaskRun implements schedule.Observer.
func (m *Metrics) TaskRun(kind schedule.Kind, task string, outcome schedule.Outcome, elapsed time.Duration) {
	m.taskRuns.WithLabelValues(string(kind), task, string(outcome)).Inc()
	m.taskDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// TaskOverrun implements schedule.Observer.
func (m *Metrics) TaskOverrun(kind schedule.Kind, task string) {
	m.taskOverruns.WithLabelValues(string(kind), task).Inc()
}

// PipelineStatus records a pipeline status change.
func (m *Metrics) PipelineStatus(pipelineID uint32, status domain.CompState) {
	id := pipelineLabel(pipelineID)
	m.pipelineStatus.WithLabelValues(id).Set(float64(status))
	m.pipelineTransitions.WithLabelValues(id, status.String()).Inc()
}

// Xrun records an under/overrun reported on a component.
func (m *Metrics) Xrun(pipelineID, compID uint32, bytes int32) {
	id := pipelineLabel(pipelineID)
	m.xrunsTotal.WithLabelValues(id, strconv.FormatUint(uint64(compID), 10)).Inc()
	if bytes > 0 {
		m.xrunBytes.WithLabelValues(id).Add(float64(bytes))
	}
}

// ForgetPipeline drops the series of a freed pipeline.
func (m *Metrics) ForgetPipeline(pipelineID uint32) {
	id := pipelineLabel(pipelineID)
	m.pipelineStatus.DeleteLabelValues(id)
	m.xrunBytes.DeleteLabelValues(id)
}

// RecordTopologyReload records a topology reload attempt.
func (m *Metrics) RecordTopologyReload(status string) {
	m.topologyReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

func pipelineLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// endpointName keeps the endpoint label bounded.
func endpointName(path string) string {
	switch path {
	case "/health":
		return "health"
	case "/metrics":
		return "metrics"
	case "/pipelines":
		return "pipelines"
	default:
		return "unknown"
	}
}
