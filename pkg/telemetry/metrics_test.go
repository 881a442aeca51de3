package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/provider"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("creating metrics: %v", err)
	}
	return m
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("creating metrics: %v", err)
	}

	// None of these may panic on the no-op instance.
	m.RunStarted()
	m.RunCompleted("succeeded", time.Second)
	m.NodeExecuted("create", "ready")
	m.ProviderCall("bucket", "create", time.Millisecond, nil)
	m.ReadinessPoll("certvalidation")
	m.RetryScheduled("transient")
	m.DriftDetected("missing")
	m.ErrorObserved(engine.ErrCodeProviderRejected)
	m.SetManagedResources(3)
	m.ObserveRun(&engine.ApplyResult{})
}

func TestObserveRun(t *testing.T) {
	m := newTestMetrics(t)
	m.RunStarted()

	start := time.Now()
	m.ObserveRun(&engine.ApplyResult{
		Status:      engine.RunStatusPartial,
		StartedAt:   start,
		CompletedAt: start.Add(2 * time.Second),
		Nodes: map[string]*engine.NodeResult{
			"bucket.site": {Action: engine.ActionCreate, Outcome: engine.OutcomeReady},
			"cdn.site": {
				Action:  engine.ActionCreate,
				Outcome: engine.OutcomeBlocked,
				Error:   engine.NewPermanentError("upstream failed", nil).WithCode(engine.ErrCodeDependencyFailed),
			},
		},
	})

	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("partial")); got != 1 {
		t.Errorf("runs_completed{partial} = %v", got)
	}
	if got := testutil.ToFloat64(m.nodesExecuted.WithLabelValues("create", "ready")); got != 1 {
		t.Errorf("nodes_executed{create,ready} = %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeDependencyFailed)); got != 1 {
		t.Errorf("errors_total = %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active_runs = %v", got)
	}
}

func TestObservePlanRecordsDrift(t *testing.T) {
	m := newTestMetrics(t)

	m.ObservePlan(&engine.Plan{Drift: []engine.DriftNotice{
		{Node: "bucket.site", Kind: "missing"},
		{Node: "cdn.site", Kind: "changed"},
		{Node: "dnsrecord.site", Kind: "changed"},
	}})

	if got := testutil.ToFloat64(m.driftDetected.WithLabelValues("changed")); got != 2 {
		t.Errorf("drift_detected{changed} = %v", got)
	}
}

type countingProvider struct {
	creates int
	polls   int
}

func (p *countingProvider) Create(context.Context, provider.CreateRequest) (*provider.CreateResult, error) {
	p.creates++
	return &provider.CreateResult{ProviderID: "id-1"}, nil
}

func (p *countingProvider) Read(context.Context, provider.ReadRequest) (*provider.ReadResult, error) {
	return nil, provider.ErrNotFound
}

func (p *countingProvider) Update(context.Context, provider.UpdateRequest) (*provider.UpdateResult, error) {
	return &provider.UpdateResult{}, nil
}

func (p *countingProvider) Delete(context.Context, provider.DeleteRequest) error {
	return nil
}

func (p *countingProvider) IsReady(context.Context, provider.ReadyRequest) (bool, error) {
	p.polls++
	return true, nil
}

func TestInstrumentProvider(t *testing.T) {
	m := newTestMetrics(t)
	inner := &countingProvider{}
	p := InstrumentProvider("bucket", inner, m)

	ctx := context.Background()
	if _, err := p.Create(ctx, provider.CreateRequest{Type: "bucket", Name: "site"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := p.Read(ctx, provider.ReadRequest{Type: "bucket", Name: "site"}); err == nil {
		t.Fatal("read should pass through the not-found error")
	}
	if _, err := p.IsReady(ctx, provider.ReadyRequest{Type: "bucket", Name: "site"}); err != nil {
		t.Fatalf("is_ready failed: %v", err)
	}

	if inner.creates != 1 || inner.polls != 1 {
		t.Errorf("inner calls = %+v", inner)
	}
	if got := testutil.ToFloat64(m.providerCalls.WithLabelValues("bucket", "create")); got != 1 {
		t.Errorf("provider_calls{create} = %v", got)
	}
	if got := testutil.ToFloat64(m.providerErrors.WithLabelValues("bucket", "read")); got != 1 {
		t.Errorf("provider_errors{read} = %v", got)
	}
	if got := testutil.ToFloat64(m.readinessPolls.WithLabelValues("bucket")); got != 1 {
		t.Errorf("readiness_polls = %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.ServiceName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty service name accepted")
	}

	cfg = DefaultConfig()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("bad log format accepted")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("bad trace exporter accepted")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range sampling rate accepted")
	}
}
