// Package sim implements in-memory simulated providers for the static-site
// resource types (bucket, cdn, certificate, dnsrecord, firewall). All
// providers share a World, which plays the role of the remote cloud: it holds
// the live resources and supports fault injection for exercising retry,
// readiness, and drift behavior.
package sim

import (
	"fmt"
	"sync"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// Resource is one live resource in the simulated cloud.
type Resource struct {
	ProviderID string
	Type       string
	Name       string
	Attrs      map[string]string
	Outputs    map[string]string
}

// World is the shared backend of all simulated providers. Safe for
// concurrent use.
type World struct {
	mu        sync.Mutex
	resources map[string]*Resource // keyed "type/name"
	byID      map[string]*Resource

	transient  map[string]int    // "op:type.name" -> remaining failures
	throttled  map[string]int    // "op:type.name" -> remaining failures
	rejections map[string]string // "op:type.name" -> message

	readyAfter map[string]int // "type.name" -> polls before ready
	pollCount  map[string]int

	calls map[string]int // "op:type.name" -> calls observed
	seq   int
}

// NewWorld creates an empty simulated cloud.
func NewWorld() *World {
	return &World{
		resources:  make(map[string]*Resource),
		byID:       make(map[string]*Resource),
		transient:  make(map[string]int),
		throttled:  make(map[string]int),
		rejections: make(map[string]string),
		readyAfter: make(map[string]int),
		pollCount:  make(map[string]int),
		calls:      make(map[string]int),
	}
}

// FailTransient makes the next n calls of op ("create", "read", "update",
// "delete", "ready") against type.name fail with a transient error.
func (w *World) FailTransient(op, node string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transient[op+":"+node] = n
}

// FailThrottled makes the next n calls of op against type.name fail with a
// throttled error.
func (w *World) FailThrottled(op, node string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.throttled[op+":"+node] = n
}

// Reject makes every call of op against type.name fail permanently with the
// given message.
func (w *World) Reject(op, node, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejections[op+":"+node] = msg
}

// SetReadyAfterPolls delays readiness of type.name until n polls have been
// observed.
func (w *World) SetReadyAfterPolls(node string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readyAfter[node] = n
}

// Calls returns how many calls of op were observed against type.name.
func (w *World) Calls(op, node string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[op+":"+node]
}

// Resource returns a copy of the live resource, if present.
func (w *World) Resource(resourceType, name string) (Resource, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.resources[resourceType+"/"+name]
	if !ok {
		return Resource{}, false
	}
	return r.copy(), true
}

// Destroy removes a resource out-of-band, simulating manual deletion in the
// cloud console.
func (w *World) Destroy(resourceType, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := resourceType + "/" + name
	if r, ok := w.resources[key]; ok {
		delete(w.byID, r.ProviderID)
		delete(w.resources, key)
	}
}

// Mutate changes a live resource's attribute out-of-band, simulating manual
// edits in the cloud console.
func (w *World) Mutate(resourceType, name, attr, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.resources[resourceType+"/"+name]; ok {
		r.Attrs[attr] = value
	}
}

// Len returns the number of live resources.
func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.resources)
}

func (r *Resource) copy() Resource {
	return Resource{
		ProviderID: r.ProviderID,
		Type:       r.Type,
		Name:       r.Name,
		Attrs:      copyMap(r.Attrs),
		Outputs:    copyMap(r.Outputs),
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// checkFault consumes one injected fault for the call, if any. Caller holds
// no lock.
func (w *World) checkFault(op, resourceType, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := op + ":" + resourceType + "." + name
	w.calls[key]++

	if msg, ok := w.rejections[key]; ok {
		return fmt.Errorf("%s", msg)
	}
	if n := w.transient[key]; n > 0 {
		w.transient[key] = n - 1
		return engine.NewTransientError(
			fmt.Sprintf("simulated outage on %s of %s.%s", op, resourceType, name), nil,
		).WithCode(engine.ErrCodeProviderTransient)
	}
	if n := w.throttled[key]; n > 0 {
		w.throttled[key] = n - 1
		return engine.NewThrottledError(
			fmt.Sprintf("simulated rate limit on %s of %s.%s", op, resourceType, name), nil,
		).WithCode(engine.ErrCodeProviderTransient)
	}
	return nil
}

// pollObserved counts one readiness poll and reports whether the configured
// poll threshold has been reached (true when no threshold is set).
func (w *World) pollObserved(resourceType, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	node := resourceType + "." + name
	w.pollCount[node]++
	return w.pollCount[node] >= w.readyAfter[node]
}

// put stores a resource and assigns it a provider ID.
func (w *World) put(resourceType, name string, attrs, outputs map[string]string) *Resource {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	r := &Resource{
		ProviderID: fmt.Sprintf("sim-%s-%04d", resourceType, w.seq),
		Type:       resourceType,
		Name:       name,
		Attrs:      copyMap(attrs),
		Outputs:    copyMap(outputs),
	}
	w.resources[resourceType+"/"+name] = r
	w.byID[r.ProviderID] = r
	return r
}

// get resolves a resource by provider ID or logical identifier.
func (w *World) get(resourceType, name, providerID string) (*Resource, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if providerID != "" {
		r, ok := w.byID[providerID]
		return r, ok
	}
	r, ok := w.resources[resourceType+"/"+name]
	return r, ok
}

// remove deletes a resource; absent is fine.
func (w *World) remove(resourceType, name, providerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if providerID != "" {
		if r, ok := w.byID[providerID]; ok {
			delete(w.resources, r.Type+"/"+r.Name)
			delete(w.byID, providerID)
			return
		}
	}
	if r, ok := w.resources[resourceType+"/"+name]; ok {
		delete(w.byID, r.ProviderID)
		delete(w.resources, resourceType+"/"+name)
	}
}

// update mutates a live resource's attributes and outputs in place.
func (w *World) update(r *Resource, attrs, outputs map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r.Attrs = copyMap(attrs)
	r.Outputs = copyMap(outputs)
}
