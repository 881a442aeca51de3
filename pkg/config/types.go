package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Topology is the root of a YAML topology file.
type Topology struct {
	// Version is the file format version. Only "1" is currently accepted.
	Version string `yaml:"version" validate:"required,eq=1"`

	// Resources lists the declared resources in declaration order.
	Resources []ResourceDecl `yaml:"resources" validate:"required,min=1,dive"`
}

// ResourceDecl is one declared resource.
type ResourceDecl struct {
	// Type is the resource type (e.g., "bucket", "cdn", "dnsrecord").
	Type string `yaml:"type" validate:"required"`

	// Name is the logical name, unique per type.
	Name string `yaml:"name" validate:"required"`

	// Attrs are the raw attribute values. String values may embed
	// cross-resource references ("${type.name.output}") and, inside a
	// for_each resource, element placeholders ("${each.key}").
	Attrs map[string]string `yaml:"attrs"`

	// Lifecycle is the replacement ordering policy: "destroy_before_create"
	// (default) or "create_before_destroy".
	Lifecycle string `yaml:"lifecycle,omitempty" validate:"omitempty,oneof=destroy_before_create create_before_destroy"`

	// ReplaceOnChange forces replacement instead of in-place update when
	// attributes change.
	ReplaceOnChange bool `yaml:"replace_on_change,omitempty"`

	// WaitReady marks the resource as asynchronous: its create returns before
	// the resource is usable and readiness must be polled.
	WaitReady bool `yaml:"wait_ready,omitempty"`

	// ReadyTimeout bounds readiness polling (e.g., "10m"). Zero means the
	// reconciler default.
	ReadyTimeout Duration `yaml:"ready_timeout,omitempty"`

	// ForEach, when present, turns this declaration into a deferred fan-out
	// gate: one child resource is generated per element of the source
	// collection once the source is ready.
	ForEach *ForEachDecl `yaml:"for_each,omitempty"`
}

// ForEachDecl configures a deferred fan-out.
type ForEachDecl struct {
	// Source is the upstream resource ("type.name") whose output drives the
	// fan-out.
	Source string `yaml:"source" validate:"required"`

	// Output is the source's output attribute carrying the collection.
	Output string `yaml:"output" validate:"required"`

	// ChildName is the logical name template for generated children. It may
	// use "${each.index}" and any "${each.key}" from the collection element.
	// Defaults to "<gate name>-${each.index}".
	ChildName string `yaml:"child_name,omitempty"`
}
