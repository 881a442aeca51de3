// Package provider defines the uniform resource-operation contract the
// reconciliation engine depends on. Each cloud resource type (bucket, CDN
// distribution, certificate, DNS record, firewall policy) is accessed as a
// black box behind this interface.
package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when the resource does not exist at the
// provider, distinguishable from transport failures.
var ErrNotFound = errors.New("resource not found")

// Provider manages one resource type. Implementations must be safe for
// concurrent use: the engine executes independent nodes in parallel.
//
// Calls are keyed on the node's stable logical identifier (Type, Name) so
// that a retried call after a transient failure never duplicates a resource.
type Provider interface {
	// Create provisions a new resource and returns its provider-assigned
	// identifier plus output values. For asynchronously-ready types the call
	// returns as soon as creation is accepted; readiness is polled separately.
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// Read returns the live state of a resource. When req.ProviderID is
	// empty the provider looks the resource up by logical identifier, which
	// the engine uses for pre-create existence checks and crash recovery.
	// Returns ErrNotFound when the resource does not exist.
	Read(ctx context.Context, req ReadRequest) (*ReadResult, error)

	// Update applies new attribute values in place and returns refreshed
	// outputs.
	Update(ctx context.Context, req UpdateRequest) (*UpdateResult, error)

	// Delete destroys the resource. Deleting an already-absent resource is
	// not an error.
	Delete(ctx context.Context, req DeleteRequest) error

	// IsReady reports whether an asynchronously-created resource is usable.
	// Must be read-only and safe to repeat; never mutates remote state.
	IsReady(ctx context.Context, req ReadyRequest) (bool, error)
}

// CreateRequest asks for a new resource keyed by logical identifier.
type CreateRequest struct {
	// Type is the resource type.
	Type string `json:"type"`

	// Name is the logical name; together with Type it is the stable
	// idempotency key for the call.
	Name string `json:"name"`

	// Attrs are the fully resolved attribute values.
	Attrs map[string]string `json:"attrs"`
}

// CreateResult is the outcome of an accepted create call.
type CreateResult struct {
	// ProviderID is the provider-assigned resource identifier.
	ProviderID string `json:"provider_id"`

	// Outputs are computed values dependents may reference. For
	// asynchronously-ready resources these may already be final (e.g. a
	// certificate's validation records) even before the resource is usable.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// ReadRequest identifies a resource to read.
type ReadRequest struct {
	Type string `json:"type"`
	Name string `json:"name"`

	// ProviderID, when set, addresses the resource directly; otherwise the
	// provider resolves it from the logical identifier.
	ProviderID string `json:"provider_id,omitempty"`
}

// ReadResult is the live state of a resource.
type ReadResult struct {
	// ProviderID is the provider-assigned resource identifier.
	ProviderID string `json:"provider_id"`

	// Attrs are the live attribute values.
	Attrs map[string]string `json:"attrs,omitempty"`

	// Outputs are the live output values.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// UpdateRequest applies new attributes to an existing resource.
type UpdateRequest struct {
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	ProviderID string            `json:"provider_id"`
	Attrs      map[string]string `json:"attrs"`
}

// UpdateResult is the outcome of an update call.
type UpdateResult struct {
	// Outputs are the refreshed output values.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// DeleteRequest identifies a resource to destroy.
type DeleteRequest struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	ProviderID string `json:"provider_id"`
}

// ReadyRequest identifies a resource to poll for readiness.
type ReadyRequest struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	ProviderID string `json:"provider_id"`
}
