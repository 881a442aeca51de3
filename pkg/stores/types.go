package stores

import (
	"context"
	"time"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// Run is one persisted apply run.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// PlanID is the plan the run executed.
	PlanID string `json:"plan_id"`

	// Status is the run's final (or current) status.
	Status string `json:"status"`

	// Summary counts node outcomes.
	Summary engine.RunSummary `json:"summary"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished; nil while running.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is one persisted run timeline entry.
type Event struct {
	// ID is the auto-assigned event identifier.
	ID int64 `json:"id"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// Node is the node the event concerns, if any.
	Node string `json:"node,omitempty"`

	// Type is the event type ("node.ready", "run.completed", ...).
	Type string `json:"type"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`

	// Message is the human-readable event message.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Store is the full persistence contract: the engine's state-store interface
// plus run and event history.
type Store interface {
	engine.StateStore

	// CreateRun records the start of an apply run.
	CreateRun(ctx context.Context, run *Run) error

	// FinishRun records a run's final status and summary.
	FinishRun(ctx context.Context, id, status string, summary engine.RunSummary) error

	// GetRun retrieves one run.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns lists runs, newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// AppendEvent appends one run event.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents lists a run's events in order of occurrence.
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error)
}
