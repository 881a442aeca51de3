package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// eachPattern matches element placeholders inside a for_each resource:
// "${each.key}" substitutes the element's key, "${each.index}" the element's
// position. Two segments only, so it never collides with cross-resource
// references (which always carry three).
var eachPattern = regexp.MustCompile(`\$\{each\.([a-zA-Z0-9_-]+)\}`)

// Loader parses and validates topology files.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a topology loader.
func NewLoader() *Loader {
	return &Loader{validator: validator.New()}
}

// Load reads, parses, and validates a topology file and returns its resource
// nodes in declaration order.
func (l *Loader) Load(path string) ([]*engine.ResourceNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology: %w", err)
	}
	nodes, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return nodes, nil
}

// Parse parses topology YAML and returns resource nodes in declaration order.
func (l *Loader) Parse(data []byte) ([]*engine.ResourceNode, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var topo Topology
	if err := dec.Decode(&topo); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if err := l.validator.Struct(topo); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	nodes := make([]*engine.ResourceNode, 0, len(topo.Resources))
	seen := make(map[engine.Addr]struct{}, len(topo.Resources))

	for i, decl := range topo.Resources {
		node, err := buildNode(i, decl)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[node.Addr]; dup {
			return nil, fmt.Errorf("duplicate resource %s", node.Addr)
		}
		seen[node.Addr] = struct{}{}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// buildNode converts one declaration into an engine node.
func buildNode(order int, decl ResourceDecl) (*engine.ResourceNode, error) {
	node := &engine.ResourceNode{
		Addr:            engine.Addr{Type: decl.Type, Name: decl.Name},
		Attrs:           copyAttrs(decl.Attrs),
		Lifecycle:       engine.LifecyclePolicy(decl.Lifecycle),
		ReplaceOnChange: decl.ReplaceOnChange,
		WaitReady:       decl.WaitReady,
		ReadyTimeout:    time.Duration(decl.ReadyTimeout),
		DeclOrder:       order,
	}

	if decl.ForEach != nil {
		source, err := engine.ParseAddr(decl.ForEach.Source)
		if err != nil {
			return nil, fmt.Errorf("resource %s: invalid for_each source %q", node.Addr, decl.ForEach.Source)
		}
		nameTemplate := decl.ForEach.ChildName
		if nameTemplate == "" {
			nameTemplate = decl.Name + "-${each.index}"
		}
		node.Expand = &engine.Expansion{
			Source:   source,
			Output:   decl.ForEach.Output,
			Generate: generator(node.Addr, nameTemplate, decl.Attrs),
		}
	} else if usesEach(decl.Attrs) {
		return nil, fmt.Errorf("resource %s: ${each.*} placeholders require a for_each block", node.Addr)
	}

	if err := node.Validate(); err != nil {
		return nil, err
	}
	return node, nil
}

// generator builds the per-element child factory for a fan-out gate. Children
// inherit the gate's type and substitute element placeholders into the name
// template and attribute templates.
func generator(gate engine.Addr, nameTemplate string, attrTemplates map[string]string) engine.ExpandFunc {
	templates := copyAttrs(attrTemplates)

	return func(index int, element map[string]string) (*engine.ResourceNode, error) {
		name, err := substituteEach(nameTemplate, index, element)
		if err != nil {
			return nil, fmt.Errorf("fan-out %s child name: %w", gate, err)
		}

		attrs := make(map[string]string, len(templates))
		for key, tmpl := range templates {
			attrs[key], err = substituteEach(tmpl, index, element)
			if err != nil {
				return nil, fmt.Errorf("fan-out %s attr %q: %w", gate, key, err)
			}
		}

		return &engine.ResourceNode{
			Addr:  engine.Addr{Type: gate.Type, Name: name},
			Attrs: attrs,
		}, nil
	}
}

// substituteEach replaces every ${each.key} placeholder with the element's
// value, and ${each.index} with the element position.
func substituteEach(tmpl string, index int, element map[string]string) (string, error) {
	var missing string
	out := eachPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := eachPattern.FindStringSubmatch(match)[1]
		if key == "index" {
			return strconv.Itoa(index)
		}
		value, ok := element[key]
		if !ok {
			missing = key
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("collection element has no field %q", missing)
	}
	return out, nil
}

// usesEach reports whether any attribute value contains an element
// placeholder.
func usesEach(attrs map[string]string) bool {
	for _, v := range attrs {
		if eachPattern.MatchString(v) {
			return true
		}
	}
	return false
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
