package sim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/provider"
)

// certificate simulates a DNS-validated TLS certificate: the create call is
// accepted immediately and publishes one validation record per covered
// domain, but the certificate only becomes ready once every validation
// record exists as a live dnsrecord in the world.
type certificate struct {
	world *World
}

// NewCertificate returns the simulated certificate provider. The "domains"
// attribute is a comma-separated list of names the certificate covers.
func NewCertificate(w *World) provider.Provider {
	return &certificate{world: w}
}

// ValidationRecords computes the validation records a certificate for the
// given domains publishes. Exposed so tests and fixtures can predict them.
func ValidationRecords(domains []string) []map[string]string {
	records := make([]map[string]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		sum := sha256.Sum256([]byte(domain))
		records = append(records, map[string]string{
			"name":  "_validate." + domain,
			"type":  "TXT",
			"value": hex.EncodeToString(sum[:8]),
		})
	}
	return records
}

func certDomains(attrs map[string]string) []string {
	return strings.Split(attrs["domains"], ",")
}

func (p *certificate) Create(ctx context.Context, req provider.CreateRequest) (*provider.CreateResult, error) {
	if err := p.world.checkFault("create", "certificate", req.Name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Attrs["domains"]) == "" {
		return nil, fmt.Errorf("certificate %q needs a non-empty domains attribute", req.Name)
	}

	collection, err := engine.EncodeCollection(ValidationRecords(certDomains(req.Attrs)))
	if err != nil {
		return nil, err
	}

	r := p.world.put("certificate", req.Name, req.Attrs, nil)
	outputs := map[string]string{
		"id":                 r.ProviderID,
		"validation_records": collection,
	}
	p.world.update(r, req.Attrs, outputs)

	return &provider.CreateResult{ProviderID: r.ProviderID, Outputs: outputs}, nil
}

func (p *certificate) Read(ctx context.Context, req provider.ReadRequest) (*provider.ReadResult, error) {
	if err := p.world.checkFault("read", "certificate", req.Name); err != nil {
		return nil, err
	}

	r, ok := p.world.get("certificate", req.Name, req.ProviderID)
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ReadResult{
		ProviderID: r.ProviderID,
		Attrs:      copyMap(r.Attrs),
		Outputs:    copyMap(r.Outputs),
	}, nil
}

func (p *certificate) Update(ctx context.Context, req provider.UpdateRequest) (*provider.UpdateResult, error) {
	if err := p.world.checkFault("update", "certificate", req.Name); err != nil {
		return nil, err
	}

	r, ok := p.world.get("certificate", req.Name, req.ProviderID)
	if !ok {
		return nil, provider.ErrNotFound
	}

	collection, err := engine.EncodeCollection(ValidationRecords(certDomains(req.Attrs)))
	if err != nil {
		return nil, err
	}
	outputs := map[string]string{
		"id":                 r.ProviderID,
		"validation_records": collection,
	}
	p.world.update(r, req.Attrs, outputs)

	return &provider.UpdateResult{Outputs: outputs}, nil
}

func (p *certificate) Delete(ctx context.Context, req provider.DeleteRequest) error {
	if err := p.world.checkFault("delete", "certificate", req.Name); err != nil {
		return err
	}
	p.world.remove("certificate", req.Name, req.ProviderID)
	return nil
}

// IsReady reports whether every validation record is answered by a live DNS
// record with a matching name and value.
func (p *certificate) IsReady(ctx context.Context, req provider.ReadyRequest) (bool, error) {
	if err := p.world.checkFault("ready", "certificate", req.Name); err != nil {
		return false, err
	}

	r, ok := p.world.get("certificate", req.Name, req.ProviderID)
	if !ok {
		return false, provider.ErrNotFound
	}

	for _, rec := range ValidationRecords(certDomains(r.Attrs)) {
		if !p.validated(rec["name"], rec["value"]) {
			return false, nil
		}
	}
	return true, nil
}

// validated checks the world for a live dnsrecord answering one validation
// record.
func (p *certificate) validated(name, value string) bool {
	p.world.mu.Lock()
	defer p.world.mu.Unlock()

	for _, r := range p.world.resources {
		if r.Type != "dnsrecord" {
			continue
		}
		if r.Attrs["name"] == name && r.Attrs["value"] == value {
			return true
		}
	}
	return false
}
