package sim

import (
	"context"
	"fmt"

	"github.com/groundworkhq/groundwork/pkg/provider"
)

// certValidation simulates the issuance step of a DNS-validated certificate:
// attaching to an existing certificate succeeds immediately, but the
// attachment only becomes ready once the certificate's validation records are
// answered by live DNS records. Declared with wait-ready, it is the node
// downstream consumers (CDN, DNS) depend on.
type certValidation struct {
	world *World
}

// NewCertValidation returns the simulated certificate-validation provider.
// The "certificate_id" attribute must carry the provider ID of the
// certificate being validated.
func NewCertValidation(w *World) provider.Provider {
	return &certValidation{world: w}
}

func (p *certValidation) Create(ctx context.Context, req provider.CreateRequest) (*provider.CreateResult, error) {
	if err := p.world.checkFault("create", "certvalidation", req.Name); err != nil {
		return nil, err
	}

	certID := req.Attrs["certificate_id"]
	cert, ok := p.world.get("certificate", "", certID)
	if !ok {
		return nil, fmt.Errorf("certificate %q does not exist", certID)
	}

	r := p.world.put("certvalidation", req.Name, req.Attrs, nil)
	outputs := map[string]string{
		"id":             r.ProviderID,
		"certificate_id": cert.ProviderID,
	}
	p.world.update(r, req.Attrs, outputs)

	return &provider.CreateResult{ProviderID: r.ProviderID, Outputs: outputs}, nil
}

func (p *certValidation) Read(ctx context.Context, req provider.ReadRequest) (*provider.ReadResult, error) {
	if err := p.world.checkFault("read", "certvalidation", req.Name); err != nil {
		return nil, err
	}

	r, ok := p.world.get("certvalidation", req.Name, req.ProviderID)
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ReadResult{
		ProviderID: r.ProviderID,
		Attrs:      copyMap(r.Attrs),
		Outputs:    copyMap(r.Outputs),
	}, nil
}

func (p *certValidation) Update(ctx context.Context, req provider.UpdateRequest) (*provider.UpdateResult, error) {
	if err := p.world.checkFault("update", "certvalidation", req.Name); err != nil {
		return nil, err
	}

	r, ok := p.world.get("certvalidation", req.Name, req.ProviderID)
	if !ok {
		return nil, provider.ErrNotFound
	}
	outputs := map[string]string{
		"id":             r.ProviderID,
		"certificate_id": req.Attrs["certificate_id"],
	}
	p.world.update(r, req.Attrs, outputs)

	return &provider.UpdateResult{Outputs: outputs}, nil
}

func (p *certValidation) Delete(ctx context.Context, req provider.DeleteRequest) error {
	if err := p.world.checkFault("delete", "certvalidation", req.Name); err != nil {
		return err
	}
	p.world.remove("certvalidation", req.Name, req.ProviderID)
	return nil
}

// IsReady reports whether the underlying certificate's validation records
// are all answered.
func (p *certValidation) IsReady(ctx context.Context, req provider.ReadyRequest) (bool, error) {
	if err := p.world.checkFault("ready", "certvalidation", req.Name); err != nil {
		return false, err
	}

	r, ok := p.world.get("certvalidation", req.Name, req.ProviderID)
	if !ok {
		return false, provider.ErrNotFound
	}
	cert, ok := p.world.get("certificate", "", r.Attrs["certificate_id"])
	if !ok {
		return false, fmt.Errorf("certificate %q no longer exists", r.Attrs["certificate_id"])
	}

	validator := &certificate{world: p.world}
	for _, rec := range ValidationRecords(certDomains(cert.Attrs)) {
		if !validator.validated(rec["name"], rec["value"]) {
			return false, nil
		}
	}
	return p.world.pollObserved("certvalidation", req.Name), nil
}
