package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// Telemetry bundles the orchestrator's observability stack.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  Config
}

// NewTelemetry assembles the full stack from one configuration.
func NewTelemetry(cfg Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Shutdown flushes and stops the telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// ObserveRun records a finished apply run: overall status and duration, one
// node execution per terminal outcome, and every classified error.
func (m *Metrics) ObserveRun(result *engine.ApplyResult) {
	if !m.enabled() || result == nil {
		return
	}

	m.RunCompleted(string(result.Status), result.CompletedAt.Sub(result.StartedAt))
	for _, node := range result.Nodes {
		m.NodeExecuted(string(node.Action), string(node.Outcome))
		if node.Error != nil {
			m.ErrorObserved(node.Error.Code)
		}
	}
}

// ObservePlan records drift notices discovered while planning.
func (m *Metrics) ObservePlan(plan *engine.Plan) {
	if !m.enabled() || plan == nil {
		return
	}
	for _, notice := range plan.Drift {
		m.DriftDetected(notice.Kind)
	}
}
