package engine

import "testing"

func TestFindReferences(t *testing.T) {
	attrs := map[string]string{
		"origin":      "${bucket.site.endpoint}",
		"certificate": "${certvalidation.site.certificate_id}",
		"alias":       "prefix-${bucket.site.endpoint}-suffix",
		"literal":     "no references here",
		"partial":     "${each.name}", // two segments, not a cross-node reference
	}

	refs := FindReferences(attrs)
	if len(refs) != 2 {
		t.Fatalf("expected 2 unique references, got %d: %v", len(refs), refs)
	}

	// Keys are scanned in sorted order: alias before certificate before origin.
	if refs[0].Producer.String() != "bucket.site" || refs[0].Output != "endpoint" {
		t.Errorf("unexpected first reference: %+v", refs[0])
	}
	if refs[1].Producer.String() != "certvalidation.site" || refs[1].Output != "certificate_id" {
		t.Errorf("unexpected second reference: %+v", refs[1])
	}
}

func TestResolveAttrs(t *testing.T) {
	outputs := map[string]map[string]string{
		"bucket.site": {"endpoint": "site.storage.sim"},
	}
	lookup := func(a Addr) (map[string]string, bool) {
		out, ok := outputs[a.String()]
		return out, ok
	}

	resolved, err := ResolveAttrs(map[string]string{
		"origin": "https://${bucket.site.endpoint}/assets",
		"plain":  "value",
	}, lookup)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved["origin"] != "https://site.storage.sim/assets" {
		t.Errorf("origin = %q", resolved["origin"])
	}
	if resolved["plain"] != "value" {
		t.Errorf("plain = %q", resolved["plain"])
	}
}

func TestResolveAttrsMissingProducer(t *testing.T) {
	_, err := ResolveAttrs(map[string]string{
		"origin": "${bucket.absent.endpoint}",
	}, func(Addr) (map[string]string, bool) { return nil, false })
	if err == nil {
		t.Fatal("expected an error")
	}
	if ErrCode(err) != ErrCodeUnresolvedReference {
		t.Errorf("code = %q, want %q", ErrCode(err), ErrCodeUnresolvedReference)
	}
}

func TestResolveAttrsMissingOutput(t *testing.T) {
	_, err := ResolveAttrs(map[string]string{
		"origin": "${bucket.site.nope}",
	}, func(Addr) (map[string]string, bool) {
		return map[string]string{"endpoint": "x"}, true
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if ErrCode(err) != ErrCodeUnresolvedReference {
		t.Errorf("code = %q, want %q", ErrCode(err), ErrCodeUnresolvedReference)
	}
}

func TestAttrsDigestStable(t *testing.T) {
	a := map[string]string{"one": "1", "two": "2", "three": "3"}
	b := map[string]string{"three": "3", "two": "2", "one": "1"}

	if AttrsDigest(a) != AttrsDigest(b) {
		t.Error("digest depends on construction order")
	}

	b["two"] = "changed"
	if AttrsDigest(a) == AttrsDigest(b) {
		t.Error("digest did not change with the value")
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	elements := []map[string]string{
		{"name": "_validate.example.com", "type": "TXT", "value": "tok-1"},
		{"name": "_validate.www.example.com", "type": "TXT", "value": "tok-2"},
	}

	encoded, err := EncodeCollection(elements)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeCollection(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 || decoded[1]["value"] != "tok-2" {
		t.Errorf("round trip lost data: %v", decoded)
	}

	if _, err := DecodeCollection("not json"); err == nil {
		t.Error("expected an error for a non-collection value")
	}
}
