package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the vision orchestrator.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	pipelineStartsTotal    prometheus.Counter
	watchdogRestartsTotal  prometheus.Counter
	degradedShutdownsTotal prometheus.Counter
	pipelineFailuresTotal  prometheus.Counter
	activePipelines        prometheus.Gauge
	telemetry              *prometheus.GaugeVec
	errorsTotal            prometheus.Counter
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vision_requests_total",
		Help: "Total number of HTTP requests received",
	})
	pipelineStartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vision_pipeline_starts_total",
		Help: "Total number of pipeline selections started",
	})
	watchdogRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vision_watchdog_restarts_total",
		Help: "Total number of transparent watchdog restarts",
	})
	degradedShutdownsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vision_degraded_shutdowns_total",
		Help: "Total number of teardowns that escalated to a forceful kill",
	})
	pipelineFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vision_pipeline_failures_total",
		Help: "Total number of pipelines that ended in a terminal error",
	})
	activePipelines := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vision_active_pipelines",
		Help: "Number of supervised pipelines currently occupying a slot",
	})
	telemetry := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vision_telemetry_value",
		Help: "Latest smoothed hardware reading per telemetry channel",
	}, []string{"channel"})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vision_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		pipelineStartsTotal,
		watchdogRestartsTotal,
		degradedShutdownsTotal,
		pipelineFailuresTotal,
		activePipelines,
		telemetry,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		pipelineStartsTotal:    pipelineStartsTotal,
		watchdogRestartsTotal:  watchdogRestartsTotal,
		degradedShutdownsTotal: degradedShutdownsTotal,
		pipelineFailuresTotal:  pipelineFailuresTotal,
		activePipelines:        activePipelines,
		telemetry:              telemetry,
		errorsTotal:            errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncPipelineStarts increments the pipeline starts counter.
func (m *Metrics) IncPipelineStarts() {
	m.pipelineStartsTotal.Inc()
}

// IncWatchdogRestarts increments the watchdog restarts counter.
func (m *Metrics) IncWatchdogRestarts() {
	m.watchdogRestartsTotal.Inc()
}

// IncDegradedShutdowns increments the degraded shutdowns counter.
func (m *Metrics) IncDegradedShutdowns() {
	m.degradedShutdownsTotal.Inc()
}

// IncPipelineFailures increments the terminal pipeline failures counter.
func (m *Metrics) IncPipelineFailures() {
	m.pipelineFailuresTotal.Inc()
}

// SetActivePipelines sets the active pipelines gauge.
func (m *Metrics) SetActivePipelines(n int) {
	m.activePipelines.Set(float64(n))
}

// SetTelemetry sets the gauge for one telemetry channel.
func (m *Metrics) SetTelemetry(channel string, v float64) {
	m.telemetry.WithLabelValues(channel).Set(v)
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active pipelines and telemetry readings).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
