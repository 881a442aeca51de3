// Package config loads declared topologies from YAML files and turns them
// into engine resource nodes.
//
// A topology file lists resources in declaration order. Attribute values may
// embed cross-resource references ("${type.name.output}"), and a resource
// with a for_each block becomes a deferred fan-out gate whose children are
// generated from an upstream output collection at apply time.
//
// The package also provides a file watcher that re-loads a topology on
// change, with debouncing to coalesce editor write bursts.
package config
