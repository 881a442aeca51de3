package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/provider"
	"github.com/groundworkhq/groundwork/pkg/provider/sim"
)

// memStore is an in-memory StateStore for tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]engine.ObservedState
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]engine.ObservedState)}
}

func (s *memStore) Load(ctx context.Context) (map[string]engine.ObservedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]engine.ObservedState, len(s.recs))
	for k, v := range s.recs {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Record(ctx context.Context, nodeID string, state engine.ObservedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[nodeID] = state
	return nil
}

func (s *memStore) Remove(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, nodeID)
	return nil
}

func (s *memStore) get(nodeID string) (engine.ObservedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[nodeID]
	return rec, ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// harness wires a simulated cloud, an in-memory store, and a controller with
// fast retry and poll timings.
type harness struct {
	world *sim.World
	store *memStore
	ctl   *engine.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	world := sim.NewWorld()
	registry := provider.NewRegistry()
	if err := sim.RegisterAll(world, registry); err != nil {
		t.Fatalf("registering providers: %v", err)
	}

	store := newMemStore()
	ctl := engine.NewController(store, registry, engine.ControllerConfig{
		Logger: zerolog.Nop(),
		Reconcile: engine.ReconcilerConfig{
			MaxParallel:    4,
			MaxRetries:     2,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  4 * time.Millisecond,
			Poll: engine.PollConfig{
				InitialInterval: time.Millisecond,
				MaxInterval:     2 * time.Millisecond,
				DefaultDeadline: 2 * time.Second,
			},
		},
	})

	return &harness{world: world, store: store, ctl: ctl}
}

func (h *harness) mustPlan(t *testing.T, desired []*engine.ResourceNode) *engine.Plan {
	t.Helper()
	plan, err := h.ctl.Plan(context.Background(), desired, engine.PlanOptions{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	return plan
}

func (h *harness) mustApply(t *testing.T, desired []*engine.ResourceNode) *engine.ApplyResult {
	t.Helper()
	result, err := h.ctl.Apply(context.Background(), h.mustPlan(t, desired))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return result
}

func res(typ, name string, attrs map[string]string) *engine.ResourceNode {
	return &engine.ResourceNode{Addr: engine.Addr{Type: typ, Name: name}, Attrs: attrs}
}

// staticSite declares the full static-site topology: bucket, certificate,
// fan-out of its validation records, the validated certificate, a CDN in
// front of the bucket, the site DNS record, and a firewall policy.
func staticSite() []*engine.ResourceNode {
	gate := res("dnsrecord", "validation", nil)
	gate.Expand = &engine.Expansion{
		Source: engine.Addr{Type: "certificate", Name: "site"},
		Output: "validation_records",
		Generate: func(i int, el map[string]string) (*engine.ResourceNode, error) {
			return res("dnsrecord", fmt.Sprintf("validation-%d", i), map[string]string{
				"name":  el["name"],
				"type":  el["type"],
				"value": el["value"],
			}), nil
		},
	}

	validated := res("certvalidation", "site", map[string]string{
		"certificate_id": "${certificate.site.id}",
		"records":        "${dnsrecord.validation.count}",
	})
	validated.WaitReady = true

	return []*engine.ResourceNode{
		res("bucket", "site", map[string]string{"name": "site", "index_document": "index.html"}),
		res("certificate", "site", map[string]string{"domains": "example.com,www.example.com"}),
		gate,
		validated,
		res("cdn", "site", map[string]string{
			"origin":      "${bucket.site.endpoint}",
			"certificate": "${certvalidation.site.certificate_id}",
		}),
		res("dnsrecord", "site", map[string]string{
			"name":  "example.com",
			"type":  "CNAME",
			"value": "${cdn.site.domain}",
		}),
		res("firewall", "site", map[string]string{
			"attach_to": "${cdn.site.id}",
			"policy":    "allow-https",
		}),
	}
}

func outcomeOf(t *testing.T, result *engine.ApplyResult, id string) engine.Outcome {
	t.Helper()
	node, ok := result.Nodes[id]
	if !ok {
		t.Fatalf("result has no entry for %s", id)
	}
	return node.Outcome
}

func errCodeOf(t *testing.T, result *engine.ApplyResult, id string) string {
	t.Helper()
	node, ok := result.Nodes[id]
	if !ok || node.Error == nil {
		t.Fatalf("result has no error for %s", id)
	}
	return node.Error.Code
}
