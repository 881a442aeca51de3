package telemetry

import (
	"context"
	"time"

	"github.com/groundworkhq/groundwork/pkg/provider"
)

// instrumentedProvider wraps a provider and records call counts, durations,
// and errors for every operation.
type instrumentedProvider struct {
	typ     string
	inner   provider.Provider
	metrics *Metrics
}

// InstrumentProvider wraps p so every call is recorded against metrics under
// the given resource type.
func InstrumentProvider(resourceType string, p provider.Provider, m *Metrics) provider.Provider {
	if !m.enabled() {
		return p
	}
	return &instrumentedProvider{typ: resourceType, inner: p, metrics: m}
}

func (p *instrumentedProvider) Create(ctx context.Context, req provider.CreateRequest) (*provider.CreateResult, error) {
	start := time.Now()
	res, err := p.inner.Create(ctx, req)
	p.metrics.ProviderCall(p.typ, "create", time.Since(start), err)
	return res, err
}

func (p *instrumentedProvider) Read(ctx context.Context, req provider.ReadRequest) (*provider.ReadResult, error) {
	start := time.Now()
	res, err := p.inner.Read(ctx, req)
	p.metrics.ProviderCall(p.typ, "read", time.Since(start), err)
	return res, err
}

func (p *instrumentedProvider) Update(ctx context.Context, req provider.UpdateRequest) (*provider.UpdateResult, error) {
	start := time.Now()
	res, err := p.inner.Update(ctx, req)
	p.metrics.ProviderCall(p.typ, "update", time.Since(start), err)
	return res, err
}

func (p *instrumentedProvider) Delete(ctx context.Context, req provider.DeleteRequest) error {
	start := time.Now()
	err := p.inner.Delete(ctx, req)
	p.metrics.ProviderCall(p.typ, "delete", time.Since(start), err)
	return err
}

func (p *instrumentedProvider) IsReady(ctx context.Context, req provider.ReadyRequest) (bool, error) {
	start := time.Now()
	ready, err := p.inner.IsReady(ctx, req)
	p.metrics.ProviderCall(p.typ, "is_ready", time.Since(start), err)
	p.metrics.ReadinessPoll(p.typ)
	return ready, err
}
