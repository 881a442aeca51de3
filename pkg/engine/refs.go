package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Reference expressions embed another node's output in an attribute value:
//
//	"${cdn.site.domain_name}"
//
// The first two segments address the producing node (type.name), the third
// names the output attribute. A value may mix literal text and any number of
// references.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)\}`)

// Reference is a parsed cross-node output reference.
type Reference struct {
	// Producer is the address of the node whose output is consumed.
	Producer Addr

	// Output is the name of the producer's output attribute.
	Output string
}

// FindReferences scans a raw attribute map and returns every cross-node
// reference it contains. Duplicates are collapsed; order is deterministic.
func FindReferences(attrs map[string]string) []Reference {
	seen := make(map[Reference]struct{})
	refs := make([]Reference, 0)

	for _, key := range sortedKeys(attrs) {
		for _, m := range refPattern.FindAllStringSubmatch(attrs[key], -1) {
			ref := Reference{
				Producer: Addr{Type: m[1], Name: m[2]},
				Output:   m[3],
			}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}

	return refs
}

// HasReferences returns true if any attribute value contains a reference.
func HasReferences(attrs map[string]string) bool {
	for _, v := range attrs {
		if refPattern.MatchString(v) {
			return true
		}
	}
	return false
}

// ResolveAttrs substitutes every reference in attrs using the lookup function,
// which returns the producer's output map. The input map is not modified.
// A reference to a missing producer or output yields an UnresolvedReference
// error.
func ResolveAttrs(attrs map[string]string, lookup func(Addr) (map[string]string, bool)) (map[string]string, error) {
	resolved := make(map[string]string, len(attrs))

	for key, raw := range attrs {
		var resolveErr error
		value := refPattern.ReplaceAllStringFunc(raw, func(match string) string {
			m := refPattern.FindStringSubmatch(match)
			producer := Addr{Type: m[1], Name: m[2]}

			outputs, ok := lookup(producer)
			if !ok {
				resolveErr = NewPermanentError(
					fmt.Sprintf("reference %s: node %s has no outputs available", match, producer),
					nil,
				).WithCode(ErrCodeUnresolvedReference)
				return match
			}

			out, ok := outputs[m[3]]
			if !ok {
				resolveErr = NewPermanentError(
					fmt.Sprintf("reference %s: node %s has no output %q", match, producer, m[3]),
					nil,
				).WithCode(ErrCodeUnresolvedReference)
				return match
			}
			return out
		})

		if resolveErr != nil {
			return nil, resolveErr
		}
		resolved[key] = value
	}

	return resolved, nil
}

// AttrsDigest returns a stable hex digest of a resolved attribute map.
// The digest keys create-vs-update-vs-noop decisions across runs.
func AttrsDigest(attrs map[string]string) string {
	type pair struct {
		K string `json:"k"`
		V string `json:"v"`
	}

	pairs := make([]pair, 0, len(attrs))
	for _, k := range sortedKeys(attrs) {
		pairs = append(pairs, pair{K: k, V: attrs[k]})
	}

	// Canonical form is a sorted key/value array; map iteration order must
	// never leak into the digest.
	raw, err := json.Marshal(pairs)
	if err != nil {
		// Marshaling a []pair of strings cannot fail.
		panic(err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DecodeCollection parses an output value carrying a fan-out collection:
// a JSON array of flat string objects, one element per generated child.
func DecodeCollection(value string) ([]map[string]string, error) {
	var elements []map[string]string
	if err := json.Unmarshal([]byte(value), &elements); err != nil {
		return nil, NewPermanentError("fan-out output is not a collection", err).
			WithCode(ErrCodeValidation)
	}
	return elements, nil
}

// EncodeCollection is the inverse of DecodeCollection, used by providers that
// publish fan-out collections.
func EncodeCollection(elements []map[string]string) (string, error) {
	raw, err := json.Marshal(elements)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// joinAddrs formats a node address list for error messages.
func joinAddrs(addrs []string) string {
	return strings.Join(addrs, " -> ")
}
