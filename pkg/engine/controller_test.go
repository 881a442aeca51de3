package engine_test

import (
	"context"
	"testing"

	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/provider"
	"github.com/groundworkhq/groundwork/pkg/provider/sim"
)

func TestDriftMissingResourceIsFrozen(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())

	// Someone deletes the bucket in the cloud console.
	h.world.Destroy("bucket", "site")

	plan := h.mustPlan(t, staticSite())
	var notice *engine.DriftNotice
	for i := range plan.Drift {
		if plan.Drift[i].Node == "bucket.site" {
			notice = &plan.Drift[i]
		}
	}
	if notice == nil || notice.Kind != "missing" {
		t.Fatalf("drift = %+v, want a missing notice for bucket.site", plan.Drift)
	}

	// Without confirmation the node is frozen, not silently recreated.
	for _, s := range plan.Steps {
		if s.Addr.String() == "bucket.site" && s.Action != engine.ActionNoOp {
			t.Errorf("bucket action = %s, want noop", s.Action)
		}
	}
}

func TestDriftRecreateAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())
	h.world.Destroy("bucket", "site")

	plan, err := h.ctl.Plan(context.Background(), staticSite(), engine.PlanOptions{
		RecreateApproved: []string{"bucket.site"},
	})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	actions := make(map[string]engine.Action)
	for _, s := range plan.Steps {
		actions[s.Addr.String()] = s.Action
	}
	if actions["bucket.site"] != engine.ActionCreate {
		t.Errorf("bucket action = %s, want create", actions["bucket.site"])
	}
	// The consumer re-resolves against the recreated producer.
	if actions["cdn.site"] != engine.ActionUpdate {
		t.Errorf("cdn action = %s, want update", actions["cdn.site"])
	}

	result, err := h.ctl.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s", result.Status)
	}
	if _, ok := h.world.Resource("bucket", "site"); !ok {
		t.Error("bucket was not recreated")
	}
}

func TestDriftChangedResourceIsFrozen(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())

	h.world.Mutate("bucket", "site", "index_document", "tampered.html")

	plan := h.mustPlan(t, staticSite())
	found := false
	for _, d := range plan.Drift {
		if d.Node == "bucket.site" && d.Kind == "changed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("drift = %+v, want a changed notice for bucket.site", plan.Drift)
	}
	for _, s := range plan.Steps {
		if s.Addr.String() == "bucket.site" && s.Action != engine.ActionNoOp {
			t.Errorf("bucket action = %s, want noop while drift is unresolved", s.Action)
		}
	}
}

func TestInFlightRecordRecoveredFromProvider(t *testing.T) {
	h := newHarness(t)

	// A previous run died after the provider call but before the Ready write:
	// the resource exists, the record says creating.
	bucket := sim.NewBucket(h.world)
	attrs := map[string]string{"name": "site", "index_document": "index.html"}
	if _, err := bucket.Create(context.Background(), provider.CreateRequest{
		Type: "bucket", Name: "site", Attrs: attrs,
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Record(context.Background(), "bucket.site", engine.ObservedState{
		Status: engine.NodeStatusCreating,
	}); err != nil {
		t.Fatal(err)
	}

	plan := h.mustPlan(t, []*engine.ResourceNode{res("bucket", "site", attrs)})

	// The record was reconciled from the live resource; nothing to do.
	if !plan.IsNoOp() {
		t.Errorf("plan is not a no-op after recovery: %+v", plan.Steps)
	}
	rec, ok := h.store.get("bucket.site")
	if !ok {
		t.Fatal("record missing after recovery")
	}
	if rec.Status != engine.NodeStatusReady || rec.ProviderID == "" {
		t.Errorf("record not reconciled: %+v", rec)
	}
	if len(plan.Drift) != 0 {
		t.Errorf("recovery reported as drift: %+v", plan.Drift)
	}
}

func TestInFlightRecordClearedWhenNothingExists(t *testing.T) {
	h := newHarness(t)

	// The interrupted call never took effect.
	if err := h.store.Record(context.Background(), "bucket.site", engine.ObservedState{
		Status: engine.NodeStatusCreating,
	}); err != nil {
		t.Fatal(err)
	}

	plan := h.mustPlan(t, []*engine.ResourceNode{
		res("bucket", "site", map[string]string{"name": "site"}),
	})
	for _, s := range plan.Steps {
		if s.Addr.String() == "bucket.site" && s.Action != engine.ActionCreate {
			t.Errorf("bucket action = %s, want create", s.Action)
		}
	}
}

func TestMissingFanOutChildForcesReExpansion(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())

	// A validation record is deleted out-of-band.
	h.world.Destroy("dnsrecord", "validation-0")

	plan := h.mustPlan(t, staticSite())
	actions := make(map[string]engine.Action)
	for _, s := range plan.Steps {
		actions[s.Addr.String()] = s.Action
	}
	if actions["dnsrecord.validation"] != engine.ActionCreate {
		t.Errorf("gate action = %s, want create (re-expansion)", actions["dnsrecord.validation"])
	}

	result, err := h.ctl.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s", result.Status)
	}
	if _, ok := h.world.Resource("dnsrecord", "validation-0"); !ok {
		t.Error("validation record was not recreated")
	}
}

func TestDestroyRemovesEverythingInOrder(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())

	plan, err := h.ctl.PlanDestroy(context.Background(), engine.PlanOptions{})
	if err != nil {
		t.Fatalf("plan destroy failed: %v", err)
	}
	if plan.Summary.ToDelete == 0 {
		t.Fatalf("summary = %+v", plan.Summary)
	}

	pos := make(map[string]int)
	for i, s := range plan.Steps {
		pos[s.Addr.String()] = i
	}
	// Consumers are destroyed before their producers.
	if pos["dnsrecord.site"] > pos["cdn.site"] {
		t.Error("site dns record destroyed after the cdn it points at")
	}
	if pos["cdn.site"] > pos["bucket.site"] {
		t.Error("cdn destroyed after its origin bucket")
	}
	if pos["cdn.site"] > pos["certvalidation.site"] {
		t.Error("cdn destroyed after the certificate validation it uses")
	}
	if pos["certvalidation.site"] > pos["certificate.site"] {
		t.Error("validation destroyed after its certificate")
	}

	result, err := h.ctl.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s: %+v", result.Status, result.Summary)
	}
	if h.world.Len() != 0 {
		t.Errorf("world still has %d resources", h.world.Len())
	}
	if h.store.len() != 0 {
		t.Errorf("store still has %d records", h.store.len())
	}
}
