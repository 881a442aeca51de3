package engine

import (
	"strings"
	"testing"
)

func node(typ, name string, attrs map[string]string) *ResourceNode {
	return &ResourceNode{Addr: Addr{Type: typ, Name: name}, Attrs: attrs}
}

func TestBuildOrdersByDependencies(t *testing.T) {
	g, err := NewGraphBuilder().Build([]*ResourceNode{
		node("dnsrecord", "site", map[string]string{"value": "${cdn.site.domain}"}),
		node("cdn", "site", map[string]string{"origin": "${bucket.site.endpoint}"}),
		node("bucket", "site", map[string]string{"name": "site"}),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	order := g.TopoOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["bucket.site"] > pos["cdn.site"] || pos["cdn.site"] > pos["dnsrecord.site"] {
		t.Errorf("order violates dependencies: %v", order)
	}
}

func TestBuildTieBreakIsDeclarationOrder(t *testing.T) {
	nodes := []*ResourceNode{
		node("firewall", "c", nil),
		node("bucket", "a", nil),
		node("cdn", "b", nil),
	}
	g, err := NewGraphBuilder().Build(nodes)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	want := []string{"firewall.c", "bucket.a", "cdn.b"}
	got := g.TopoOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestBuildRejectsCycleNamingNodes(t *testing.T) {
	_, err := NewGraphBuilder().Build([]*ResourceNode{
		node("bucket", "a", map[string]string{"x": "${cdn.b.id}"}),
		node("cdn", "b", map[string]string{"x": "${firewall.c.id}"}),
		node("firewall", "c", map[string]string{"x": "${bucket.a.id}"}),
	})
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if ErrCode(err) != ErrCodeCyclicDependency {
		t.Fatalf("code = %q, want %q", ErrCode(err), ErrCodeCyclicDependency)
	}
	for _, id := range []string{"bucket.a", "cdn.b", "firewall.c"} {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("cycle error does not name %s: %v", id, err)
		}
	}
}

func TestBuildRejectsSelfReference(t *testing.T) {
	_, err := NewGraphBuilder().Build([]*ResourceNode{
		node("bucket", "a", map[string]string{"x": "${bucket.a.id}"}),
	})
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if ErrCode(err) != ErrCodeCyclicDependency {
		t.Errorf("code = %q, want %q", ErrCode(err), ErrCodeCyclicDependency)
	}
}

func TestBuildRejectsUndeclaredReference(t *testing.T) {
	_, err := NewGraphBuilder().Build([]*ResourceNode{
		node("cdn", "site", map[string]string{"origin": "${bucket.absent.endpoint}"}),
	})
	if err == nil {
		t.Fatal("expected an unresolved-reference error")
	}
	if ErrCode(err) != ErrCodeUnresolvedReference {
		t.Errorf("code = %q, want %q", ErrCode(err), ErrCodeUnresolvedReference)
	}
}

func TestBuildRejectsDuplicateAddress(t *testing.T) {
	_, err := NewGraphBuilder().Build([]*ResourceNode{
		node("bucket", "site", nil),
		node("bucket", "site", nil),
	})
	if err == nil {
		t.Fatal("expected a duplicate-address error")
	}
	if ErrCode(err) != ErrCodeValidation {
		t.Errorf("code = %q, want %q", ErrCode(err), ErrCodeValidation)
	}
}

func TestInsertChildren(t *testing.T) {
	gate := node("dnsrecord", "validation", nil)
	gate.Expand = &Expansion{
		Source: Addr{Type: "certificate", Name: "site"},
		Output: "validation_records",
		Generate: func(i int, el map[string]string) (*ResourceNode, error) {
			return node("dnsrecord", "validation-0", el), nil
		},
	}

	g, err := NewGraphBuilder().Build([]*ResourceNode{
		node("certificate", "site", map[string]string{"domains": "example.com"}),
		gate,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	child := node("dnsrecord", "validation-0", map[string]string{"name": "_validate.example.com"})
	if err := g.InsertChildren("dnsrecord.validation", []*ResourceNode{child}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if child.GeneratedBy != "dnsrecord.validation" {
		t.Errorf("GeneratedBy = %q", child.GeneratedBy)
	}

	// The gate waits for the child.
	preds := g.Predecessors("dnsrecord.validation")
	found := false
	for _, p := range preds {
		if p == "dnsrecord.validation-0" {
			found = true
		}
	}
	if !found {
		t.Errorf("gate predecessors = %v, missing child", preds)
	}

	// Child referencing the gate closes a cycle and is rejected.
	bad := node("dnsrecord", "validation-1", map[string]string{"x": "${dnsrecord.validation.count}"})
	err = g.InsertChildren("dnsrecord.validation", []*ResourceNode{bad})
	if err == nil || ErrCode(err) != ErrCodeCyclicDependency {
		t.Errorf("expected cycle rejection, got %v", err)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := NewGraphBuilder().Build([]*ResourceNode{
		node("bucket", "site", nil),
		node("cdn", "site", map[string]string{"origin": "${bucket.site.endpoint}"}),
		node("dnsrecord", "site", map[string]string{"value": "${cdn.site.domain}"}),
		node("firewall", "site", map[string]string{"attach_to": "${cdn.site.id}"}),
		node("certificate", "other", nil),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	got := g.TransitiveDependents("bucket.site")
	want := []string{"cdn.site", "dnsrecord.site", "firewall.site"}
	if len(got) != len(want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents = %v, want %v", got, want)
		}
	}
}
