// Package stores provides the durable persistence layer: the per-node
// observed-state records the engine plans against, plus run and event
// history for inspection after the fact.
//
// The only implementation is SQLite (modernc.org/sqlite, WAL mode) with
// embedded golang-migrate migrations, which keeps the orchestrator a single
// self-contained binary.
package stores
