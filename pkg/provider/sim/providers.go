package sim

import (
	"context"
	"fmt"

	"github.com/groundworkhq/groundwork/pkg/provider"
)

// outputsFunc computes a type's output values from its resolved attributes.
type outputsFunc func(name, providerID string, attrs map[string]string) map[string]string

// simProvider is the common implementation behind every simulated type.
type simProvider struct {
	world   *World
	typ     string
	outputs outputsFunc
}

// NewBucket returns a simulated object-storage provider. Buckets are usable
// as soon as the create call returns.
func NewBucket(w *World) provider.Provider {
	return &simProvider{world: w, typ: "bucket", outputs: func(name, pid string, attrs map[string]string) map[string]string {
		return map[string]string{
			"id":       pid,
			"endpoint": fmt.Sprintf("%s.storage.sim", name),
		}
	}}
}

// NewCDN returns a simulated CDN distribution provider.
func NewCDN(w *World) provider.Provider {
	return &simProvider{world: w, typ: "cdn", outputs: func(name, pid string, attrs map[string]string) map[string]string {
		return map[string]string{
			"id":     pid,
			"domain": fmt.Sprintf("%s.edge.sim", name),
		}
	}}
}

// NewDNSRecord returns a simulated DNS record provider. Records publish the
// name/value they carry so certificate validation can observe them.
func NewDNSRecord(w *World) provider.Provider {
	return &simProvider{world: w, typ: "dnsrecord", outputs: func(name, pid string, attrs map[string]string) map[string]string {
		return map[string]string{
			"id":   pid,
			"fqdn": attrs["name"],
		}
	}}
}

// NewFirewall returns a simulated firewall policy provider.
func NewFirewall(w *World) provider.Provider {
	return &simProvider{world: w, typ: "firewall", outputs: func(name, pid string, attrs map[string]string) map[string]string {
		return map[string]string{
			"id": pid,
		}
	}}
}

func (p *simProvider) Create(ctx context.Context, req provider.CreateRequest) (*provider.CreateResult, error) {
	if err := p.world.checkFault("create", p.typ, req.Name); err != nil {
		return nil, err
	}

	r := p.world.put(p.typ, req.Name, req.Attrs, nil)
	outputs := p.outputs(req.Name, r.ProviderID, req.Attrs)
	p.world.update(r, req.Attrs, outputs)

	return &provider.CreateResult{ProviderID: r.ProviderID, Outputs: outputs}, nil
}

func (p *simProvider) Read(ctx context.Context, req provider.ReadRequest) (*provider.ReadResult, error) {
	if err := p.world.checkFault("read", p.typ, req.Name); err != nil {
		return nil, err
	}

	r, ok := p.world.get(p.typ, req.Name, req.ProviderID)
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ReadResult{
		ProviderID: r.ProviderID,
		Attrs:      copyMap(r.Attrs),
		Outputs:    copyMap(r.Outputs),
	}, nil
}

func (p *simProvider) Update(ctx context.Context, req provider.UpdateRequest) (*provider.UpdateResult, error) {
	if err := p.world.checkFault("update", p.typ, req.Name); err != nil {
		return nil, err
	}

	r, ok := p.world.get(p.typ, req.Name, req.ProviderID)
	if !ok {
		return nil, provider.ErrNotFound
	}
	outputs := p.outputs(req.Name, r.ProviderID, req.Attrs)
	p.world.update(r, req.Attrs, outputs)

	return &provider.UpdateResult{Outputs: outputs}, nil
}

func (p *simProvider) Delete(ctx context.Context, req provider.DeleteRequest) error {
	if err := p.world.checkFault("delete", p.typ, req.Name); err != nil {
		return err
	}
	p.world.remove(p.typ, req.Name, req.ProviderID)
	return nil
}

func (p *simProvider) IsReady(ctx context.Context, req provider.ReadyRequest) (bool, error) {
	if err := p.world.checkFault("ready", p.typ, req.Name); err != nil {
		return false, err
	}
	if _, ok := p.world.get(p.typ, req.Name, req.ProviderID); !ok {
		return false, provider.ErrNotFound
	}
	return p.world.pollObserved(p.typ, req.Name), nil
}
