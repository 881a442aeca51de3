// Package engine implements the provisioning core: dependency graph
// construction from declared resources, plan computation against persisted
// state, and concurrent plan execution with readiness polling.
//
// The engine is organized around a small number of pieces:
//
//   - GraphBuilder derives ordering edges from cross-node attribute
//     references ("${type.name.output}") and rejects cycles, naming the
//     nodes involved.
//   - Planner diffs the graph against the StateStore snapshot and produces
//     an ordered, consumed-once Plan. Planning issues no provider calls.
//   - Reconciler executes a Plan: a coordinating goroutine dispatches ready
//     nodes to a bounded worker pool, folds completions back into the
//     schedule, parks asynchronously-ready nodes on poll timers instead of
//     workers, and contains failures to the failed node's downstream cone.
//   - Controller ties the above together behind a plan/apply surface and
//     refreshes stored state against live provider state before planning.
//
// Providers signal retryable failures with NewTransientError or
// NewThrottledError; every other provider error is treated as permanent.
package engine
