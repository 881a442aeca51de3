package engine

import (
	"context"
	"time"
)

// StateStore is the durable record of each node's last observed state.
// Writes are per-node and atomic; the engine records immediately after a node
// reaches Ready or is deleted so that a crash between a provider call and a
// state write is detectable on the next run.
type StateStore interface {
	// Load returns the full nodeID -> ObservedState snapshot.
	Load(ctx context.Context) (map[string]ObservedState, error)

	// Record upserts one node's observed state.
	Record(ctx context.Context, nodeID string, state ObservedState) error

	// Remove deletes one node's observed state after the resource is
	// destroyed.
	Remove(ctx context.Context, nodeID string) error
}

// Event is a timeline entry emitted while a run executes.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// Node is the node ID, if applicable.
	Node string `json:"node,omitempty"`

	// Type is the event type (e.g. "node.ready", "node.failed").
	Type string `json:"type"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`
}

// Event types emitted by the reconciler.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventNodeStarted  = "node.started"
	EventNodeWaiting  = "node.waiting_ready"
	EventNodeReady    = "node.ready"
	EventNodeDeleted  = "node.deleted"
	EventNodeFailed   = "node.failed"
	EventNodeBlocked  = "node.blocked"
	EventNodeExpanded = "node.expanded"
)

// EventSink receives run events. Implementations must not block; the
// reconciler publishes from its coordinating goroutine.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(context.Context, Event) {}
