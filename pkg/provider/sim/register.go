package sim

import "github.com/groundworkhq/groundwork/pkg/provider"

// RegisterAll binds every simulated provider to its resource type.
func RegisterAll(w *World, reg *provider.Registry) error {
	for typ, p := range map[string]provider.Provider{
		"bucket":         NewBucket(w),
		"cdn":            NewCDN(w),
		"certificate":    NewCertificate(w),
		"certvalidation": NewCertValidation(w),
		"dnsrecord":      NewDNSRecord(w),
		"firewall":       NewFirewall(w),
	} {
		if err := reg.Register(typ, p); err != nil {
			return err
		}
	}
	return nil
}
