package engine

import (
	"encoding/json"
	"fmt"
)

// NodeStatus represents the lifecycle status of a resource node during a run.
type NodeStatus string

const (
	// NodeStatusPending indicates the node is waiting for its predecessors.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusCreating indicates the provider create call is in flight.
	NodeStatusCreating NodeStatus = "creating"

	// NodeStatusWaitingReady indicates the create call was accepted but the
	// resource is not yet usable (externally-asynchronous readiness).
	NodeStatusWaitingReady NodeStatus = "waiting_ready"

	// NodeStatusReady indicates the resource is live and its outputs are final.
	NodeStatusReady NodeStatus = "ready"

	// NodeStatusUpdating indicates the provider update call is in flight.
	NodeStatusUpdating NodeStatus = "updating"

	// NodeStatusDeleting indicates the provider delete call is in flight.
	NodeStatusDeleting NodeStatus = "deleting"

	// NodeStatusFailed indicates an unrecoverable error on this node.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusBlocked indicates the node was never attempted because a
	// transitive predecessor failed.
	NodeStatusBlocked NodeStatus = "blocked"
)

// IsTerminal returns true if the status represents a final state for a run.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusReady || s == NodeStatusFailed || s == NodeStatusBlocked
}

// IsInFlight returns true if the status indicates a provider call may have
// been issued without a confirmed outcome. Nodes persisted in such a status
// are re-read from the provider on the next run.
func (s NodeStatus) IsInFlight() bool {
	return s == NodeStatusCreating || s == NodeStatusUpdating || s == NodeStatusDeleting
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusCreating, NodeStatusWaitingReady,
		NodeStatusReady, NodeStatusUpdating, NodeStatusDeleting,
		NodeStatusFailed, NodeStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// Action represents the planned operation for a resource node.
type Action string

const (
	// ActionCreate indicates the resource does not exist and will be created.
	ActionCreate Action = "create"

	// ActionUpdate indicates the resource exists and will be updated in place.
	ActionUpdate Action = "update"

	// ActionReplace indicates the resource will be destroyed and recreated.
	ActionReplace Action = "replace"

	// ActionDelete indicates the resource is no longer declared and will be
	// destroyed.
	ActionDelete Action = "delete"

	// ActionNoOp indicates the resource already matches the desired state.
	ActionNoOp Action = "noop"
)

// IsMutating returns true if the action changes remote state.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionReplace || a == ActionDelete
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDelete, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid plan action: %s", a)
	}
}

// Outcome represents the per-node result of an apply run.
type Outcome string

const (
	// OutcomeReady indicates the node reached Ready.
	OutcomeReady Outcome = "ready"

	// OutcomeDeleted indicates the node was destroyed and removed from state.
	OutcomeDeleted Outcome = "deleted"

	// OutcomeNoOp indicates the node required no provider call.
	OutcomeNoOp Outcome = "noop"

	// OutcomeFailed indicates the node ended in an unrecoverable error.
	OutcomeFailed Outcome = "failed"

	// OutcomeBlocked indicates the node was not attempted because a
	// predecessor failed.
	OutcomeBlocked Outcome = "blocked"

	// OutcomeSkipped indicates the node was not attempted because the run was
	// cancelled before it became ready to execute.
	OutcomeSkipped Outcome = "skipped"
)

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node reached its desired state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some nodes succeeded while others failed or
	// were blocked.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates no node made progress, or the run aborted
	// before execution.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial ||
		s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// LifecyclePolicy controls how a resource is replaced when an attribute change
// cannot be applied in place.
type LifecyclePolicy string

const (
	// LifecycleCreateBeforeDestroy creates the replacement before destroying
	// the old resource.
	LifecycleCreateBeforeDestroy LifecyclePolicy = "create_before_destroy"

	// LifecycleDestroyBeforeCreate destroys the old resource before creating
	// the replacement.
	LifecycleDestroyBeforeCreate LifecyclePolicy = "destroy_before_create"
)

// Validate checks if the lifecycle policy is valid.
func (p LifecyclePolicy) Validate() error {
	switch p {
	case LifecycleCreateBeforeDestroy, LifecycleDestroyBeforeCreate, "":
		return nil
	default:
		return fmt.Errorf("invalid lifecycle policy: %s", p)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = NodeStatus(str)
	return s.Validate()
}
