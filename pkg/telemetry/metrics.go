package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics collects Prometheus metrics for the orchestrator. With collection
// disabled every method is a no-op, so callers never branch.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	nodesExecuted *prometheus.CounterVec

	providerCalls    *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	readinessPolls *prometheus.CounterVec
	retries        *prometheus.CounterVec
	driftDetected  *prometheus.CounterVec
	errorsByCode   *prometheus.CounterVec

	managedResources prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector from configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of apply runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of apply runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of apply runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Number of apply runs currently executing",
		}),

		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "nodes_executed_total",
			Help:      "Total number of node executions by action and outcome",
		}, []string{"action", "outcome"}),

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provider_calls_total",
			Help:      "Total number of provider calls",
		}, []string{"type", "operation"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provider_errors_total",
			Help:      "Total number of failed provider calls",
		}, []string{"type", "operation"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "operation"}),

		readinessPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "readiness_polls_total",
			Help:      "Total number of readiness polls issued",
		}, []string{"type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Total number of provider call retries",
		}, []string{"class"}),
		driftDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "drift_detected_total",
			Help:      "Total number of drift notices by kind",
		}, []string{"kind"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of classified errors by code",
		}, []string{"code"}),

		managedResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "managed_resources",
			Help:      "Number of resources in the state store",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration, m.activeRuns,
		m.nodesExecuted,
		m.providerCalls, m.providerErrors, m.providerDuration,
		m.readinessPolls, m.retries, m.driftDetected, m.errorsByCode,
		m.managedResources,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RunStarted records the start of an apply run.
func (m *Metrics) RunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunCompleted records the completion of an apply run.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// NodeExecuted records one node reaching a terminal outcome.
func (m *Metrics) NodeExecuted(action, outcome string) {
	if !m.enabled() {
		return
	}
	m.nodesExecuted.WithLabelValues(action, outcome).Inc()
}

// ProviderCall records one provider call.
func (m *Metrics) ProviderCall(resourceType, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(resourceType, operation).Inc()
	m.providerDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(resourceType, operation).Inc()
	}
}

// ReadinessPoll records one readiness poll.
func (m *Metrics) ReadinessPoll(resourceType string) {
	if !m.enabled() {
		return
	}
	m.readinessPolls.WithLabelValues(resourceType).Inc()
}

// RetryScheduled records a scheduled retry by error class.
func (m *Metrics) RetryScheduled(class string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(class).Inc()
}

// DriftDetected records a drift notice.
func (m *Metrics) DriftDetected(kind string) {
	if !m.enabled() {
		return
	}
	m.driftDetected.WithLabelValues(kind).Inc()
}

// ErrorObserved records a classified error by code.
func (m *Metrics) ErrorObserved(code string) {
	if !m.enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// SetManagedResources records the current state store size.
func (m *Metrics) SetManagedResources(n int) {
	if !m.enabled() {
		return
	}
	m.managedResources.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server when a listen address is
// configured. The server runs until the process exits; listen failures are
// logged, not fatal.
func (m *Metrics) StartServer(log zerolog.Logger) {
	if !m.enabled() || m.config.ListenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		log.Info().Str("addr", m.config.ListenAddr).Msg("Serving metrics")
		if err := http.ListenAndServe(m.config.ListenAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}
