package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func TestApplyFreshTopology(t *testing.T) {
	h := newHarness(t)

	plan := h.mustPlan(t, staticSite())
	if plan.Summary.ToCreate != 7 {
		t.Fatalf("plan summary = %+v, want 7 creates", plan.Summary)
	}

	result, err := h.ctl.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded: %+v", result.Status, result.Summary)
	}

	// 7 declared nodes plus 2 fan-out children (one validation record per
	// domain); the gate itself has no provider-side resource.
	if result.Summary.Ready != 9 {
		t.Errorf("ready = %d, want 9", result.Summary.Ready)
	}
	if h.world.Len() != 8 {
		t.Errorf("world has %d resources, want 8", h.world.Len())
	}

	// References resolved through the chain.
	cdn, ok := h.world.Resource("cdn", "site")
	if !ok {
		t.Fatal("cdn missing from the world")
	}
	if cdn.Attrs["origin"] != "site.storage.sim" {
		t.Errorf("cdn origin = %q, not resolved from the bucket", cdn.Attrs["origin"])
	}

	dns, ok := h.world.Resource("dnsrecord", "site")
	if !ok {
		t.Fatal("site dns record missing from the world")
	}
	if dns.Attrs["value"] != "site.edge.sim" {
		t.Errorf("dns value = %q, not resolved from the cdn", dns.Attrs["value"])
	}

	// State recorded for every real node and the gate.
	if h.store.len() != 9 {
		t.Errorf("store has %d records, want 9", h.store.len())
	}
	rec, ok := h.store.get("dnsrecord.validation-0")
	if !ok {
		t.Fatal("fan-out child not recorded")
	}
	if rec.ParentGate != "dnsrecord.validation" {
		t.Errorf("child parent gate = %q", rec.ParentGate)
	}
}

func TestSecondPlanIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())

	plan := h.mustPlan(t, staticSite())
	if !plan.IsNoOp() {
		t.Errorf("second plan is not a no-op: %+v", plan.Steps)
	}
	if len(plan.Drift) != 0 {
		t.Errorf("unexpected drift: %+v", plan.Drift)
	}

	result, err := h.ctl.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded || result.Summary.NoOp != 7 {
		t.Errorf("result = %s %+v", result.Status, result.Summary)
	}
}

func TestUpstreamChangeCascades(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, staticSite())

	desired := staticSite()
	desired[0].Attrs["index_document"] = "home.html"

	plan := h.mustPlan(t, desired)
	actions := make(map[string]engine.Action)
	for _, s := range plan.Steps {
		actions[s.Addr.String()] = s.Action
	}

	for _, id := range []string{"bucket.site", "cdn.site", "dnsrecord.site", "firewall.site"} {
		if actions[id] != engine.ActionUpdate {
			t.Errorf("%s action = %s, want update", id, actions[id])
		}
	}
	for _, id := range []string{"certificate.site", "dnsrecord.validation"} {
		if actions[id] != engine.ActionNoOp {
			t.Errorf("%s action = %s, want noop", id, actions[id])
		}
	}

	result, err := h.ctl.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s", result.Status)
	}

	bucket, _ := h.world.Resource("bucket", "site")
	if bucket.Attrs["index_document"] != "home.html" {
		t.Errorf("bucket not updated: %v", bucket.Attrs)
	}
	if n := h.world.Calls("update", "cdn.site"); n == 0 {
		t.Error("cdn was not re-converged after the upstream change")
	}
}

func TestValidationRejectionBlocksDownstream(t *testing.T) {
	h := newHarness(t)
	h.world.Reject("ready", "certvalidation.site", "CAA record forbids issuance")

	result, err := h.ctl.Apply(context.Background(), h.mustPlan(t, staticSite()))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if result.Status != engine.RunStatusPartial {
		t.Fatalf("status = %s, want partial", result.Status)
	}
	if got := outcomeOf(t, result, "certvalidation.site"); got != engine.OutcomeFailed {
		t.Errorf("certvalidation outcome = %s, want failed", got)
	}
	if code := errCodeOf(t, result, "certvalidation.site"); code != engine.ErrCodeReadinessRejected {
		t.Errorf("certvalidation code = %s, want %s", code, engine.ErrCodeReadinessRejected)
	}

	// The downstream cone is blocked, not attempted.
	for _, id := range []string{"cdn.site", "dnsrecord.site", "firewall.site"} {
		if got := outcomeOf(t, result, id); got != engine.OutcomeBlocked {
			t.Errorf("%s outcome = %s, want blocked", id, got)
		}
		if code := errCodeOf(t, result, id); code != engine.ErrCodeDependencyFailed {
			t.Errorf("%s code = %s, want %s", id, code, engine.ErrCodeDependencyFailed)
		}
	}
	if _, ok := h.world.Resource("cdn", "site"); ok {
		t.Error("cdn was created despite its blocked dependency")
	}

	// The independent branch still converged.
	if got := outcomeOf(t, result, "bucket.site"); got != engine.OutcomeReady {
		t.Errorf("bucket outcome = %s, want ready", got)
	}
	if got := outcomeOf(t, result, "certificate.site"); got != engine.OutcomeReady {
		t.Errorf("certificate outcome = %s, want ready", got)
	}
}

func TestReadinessTimeout(t *testing.T) {
	h := newHarness(t)
	h.world.SetReadyAfterPolls("certvalidation.site", 1<<30)

	desired := staticSite()
	for _, n := range desired {
		if n.ID() == "certvalidation.site" {
			n.ReadyTimeout = 20 * time.Millisecond
		}
	}

	result, err := h.ctl.Apply(context.Background(), h.mustPlan(t, desired))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusPartial {
		t.Fatalf("status = %s, want partial", result.Status)
	}
	if code := errCodeOf(t, result, "certvalidation.site"); code != engine.ErrCodeReadinessTimeout {
		t.Errorf("code = %s, want %s", code, engine.ErrCodeReadinessTimeout)
	}
	if got := outcomeOf(t, result, "cdn.site"); got != engine.OutcomeBlocked {
		t.Errorf("cdn outcome = %s, want blocked", got)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	h.world.FailTransient("create", "bucket.site", 2)

	result, err := h.ctl.Apply(context.Background(), h.mustPlan(t, staticSite()))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", result.Status)
	}
	if n := h.world.Calls("create", "bucket.site"); n != 3 {
		t.Errorf("bucket create called %d times, want 3", n)
	}
}

func TestRetryExhaustionFailsTheNode(t *testing.T) {
	h := newHarness(t)
	h.world.FailTransient("create", "bucket.site", 100)

	result, err := h.ctl.Apply(context.Background(), h.mustPlan(t, staticSite()))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if result.Status != engine.RunStatusPartial {
		t.Fatalf("status = %s, want partial", result.Status)
	}
	if got := outcomeOf(t, result, "bucket.site"); got != engine.OutcomeFailed {
		t.Errorf("bucket outcome = %s, want failed", got)
	}
	if code := errCodeOf(t, result, "bucket.site"); code != engine.ErrCodeProviderRejected {
		t.Errorf("bucket code = %s, want %s", code, engine.ErrCodeProviderRejected)
	}
	// MaxRetries is 2, so three attempts in total.
	if n := h.world.Calls("create", "bucket.site"); n != 3 {
		t.Errorf("bucket create called %d times, want 3", n)
	}

	// The certificate branch is independent of the bucket and converged.
	if got := outcomeOf(t, result, "certvalidation.site"); got != engine.OutcomeReady {
		t.Errorf("certvalidation outcome = %s, want ready", got)
	}
	for _, id := range []string{"cdn.site", "dnsrecord.site", "firewall.site"} {
		if got := outcomeOf(t, result, id); got != engine.OutcomeBlocked {
			t.Errorf("%s outcome = %s, want blocked", id, got)
		}
	}
}

func TestPermanentRejectionIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.world.Reject("create", "bucket.site", "name already taken in another account")

	result, err := h.ctl.Apply(context.Background(), h.mustPlan(t, staticSite()))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got := outcomeOf(t, result, "bucket.site"); got != engine.OutcomeFailed {
		t.Errorf("bucket outcome = %s, want failed", got)
	}
	if n := h.world.Calls("create", "bucket.site"); n != 1 {
		t.Errorf("bucket create called %d times, want 1 (no retries)", n)
	}
}

func TestCancellationSkipsUnstartedNodes(t *testing.T) {
	h := newHarness(t)
	h.world.SetReadyAfterPolls("certvalidation.site", 1<<30)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := h.ctl.Apply(ctx, h.mustPlan(t, staticSite()))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Status != engine.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", result.Status)
	}
	if result.Summary.Skipped == 0 {
		t.Error("expected skipped nodes after cancellation")
	}
	// Finished work is kept: the bucket reached Ready before the deadline.
	if got := outcomeOf(t, result, "bucket.site"); got != engine.OutcomeReady {
		t.Errorf("bucket outcome = %s, want ready", got)
	}
	if _, ok := h.store.get("bucket.site"); !ok {
		t.Error("bucket state lost on cancellation")
	}
}

func TestApplyConsumesThePlan(t *testing.T) {
	h := newHarness(t)
	plan := h.mustPlan(t, staticSite())

	if _, err := h.ctl.Apply(context.Background(), plan); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := h.ctl.Apply(context.Background(), plan); err == nil {
		t.Fatal("second apply of a consumed plan succeeded")
	}
}

func TestCreateAdoptsExistingResource(t *testing.T) {
	h := newHarness(t)

	// The bucket already exists in the cloud but not in state.
	desired := []*engine.ResourceNode{
		res("bucket", "site", map[string]string{"name": "site", "index_document": "index.html"}),
	}
	h.mustApply(t, desired)
	manualCreates := h.world.Calls("create", "bucket.site")

	// Forget the state and apply again: the engine must find the live bucket
	// by its logical name instead of creating a duplicate.
	if err := h.store.Remove(context.Background(), "bucket.site"); err != nil {
		t.Fatal(err)
	}
	result := h.mustApply(t, desired)
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s", result.Status)
	}
	if n := h.world.Calls("create", "bucket.site"); n != manualCreates {
		t.Errorf("create called %d times, want %d (adoption, not duplication)", n, manualCreates)
	}
	if h.world.Len() != 1 {
		t.Errorf("world has %d buckets, want 1", h.world.Len())
	}
}
