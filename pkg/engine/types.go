package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Addr uniquely identifies a resource node as resource type plus logical name.
type Addr struct {
	// Type is the resource type (e.g., "bucket", "cdn", "certificate").
	Type string `json:"type"`

	// Name is the logical name declared for the resource.
	Name string `json:"name"`
}

// String returns the canonical "type.name" form.
func (a Addr) String() string {
	return a.Type + "." + a.Name
}

// IsZero returns true for the zero address.
func (a Addr) IsZero() bool {
	return a.Type == "" && a.Name == ""
}

// ParseAddr parses a canonical "type.name" address.
func ParseAddr(s string) (Addr, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Addr{}, NewPermanentError(fmt.Sprintf("invalid node address: %q", s), nil).
			WithCode(ErrCodeValidation)
	}
	return Addr{Type: parts[0], Name: parts[1]}, nil
}

// ResourceNode is the desired declaration of a single resource.
// Nodes are created once per run from the desired-state input, owned by the
// graph that contains them, and referenced (never copied) by dependents.
type ResourceNode struct {
	// Addr is the unique identifier of the node.
	Addr Addr `json:"addr"`

	// Attrs maps attribute names to raw values. String values may embed
	// references to other nodes' outputs ("${type.name.output}").
	Attrs map[string]string `json:"attrs"`

	// Lifecycle controls replacement ordering when the resource must be
	// recreated.
	Lifecycle LifecyclePolicy `json:"lifecycle,omitempty"`

	// ReplaceOnChange forces a replace instead of an in-place update when
	// attributes change.
	ReplaceOnChange bool `json:"replace_on_change,omitempty"`

	// WaitReady indicates the resource's create call returns before the
	// resource is usable and readiness must be polled.
	WaitReady bool `json:"wait_ready,omitempty"`

	// ReadyTimeout is the absolute deadline for readiness polling.
	// Zero means the reconciler default.
	ReadyTimeout time.Duration `json:"ready_timeout,omitempty"`

	// Expand, when non-nil, marks this node as a deferred fan-out gate: its
	// concrete children are generated from an upstream output collection once
	// that upstream is Ready.
	Expand *Expansion `json:"-"`

	// GeneratedBy is the ID of the fan-out gate that generated this node.
	// Empty for declared nodes; set by the graph on runtime insertion.
	GeneratedBy string `json:"-"`

	// DeclOrder is the zero-based declaration position, used as the
	// deterministic tie-break for topological ordering.
	DeclOrder int `json:"decl_order"`

	// Status is the node's position in the execution state machine.
	// Maintained by the reconciler; meaningful only during a run.
	Status NodeStatus `json:"status,omitempty"`
}

// ID returns the canonical node identifier.
func (n *ResourceNode) ID() string {
	return n.Addr.String()
}

// Validate checks the node declaration for structural problems.
func (n *ResourceNode) Validate() error {
	if n.Addr.Type == "" || n.Addr.Name == "" {
		return NewPermanentError("node has empty type or name", nil).
			WithCode(ErrCodeValidation)
	}
	if err := n.Lifecycle.Validate(); err != nil {
		return NewPermanentError(err.Error(), nil).
			WithCode(ErrCodeValidation).WithNode(n.ID())
	}
	if n.Expand != nil {
		if n.Expand.Source.IsZero() || n.Expand.Output == "" {
			return NewPermanentError("fan-out node missing expansion source or output", nil).
				WithCode(ErrCodeValidation).WithNode(n.ID())
		}
		if n.Expand.Generate == nil {
			return NewPermanentError("fan-out node missing generator", nil).
				WithCode(ErrCodeValidation).WithNode(n.ID())
		}
	}
	return nil
}

// ExpandFunc generates one child node from a collection element.
// index is the element's position in the upstream collection.
type ExpandFunc func(index int, element map[string]string) (*ResourceNode, error)

// Expansion describes a deferred fan-out: the node's children are only known
// after the Source node's Output collection is resolved.
type Expansion struct {
	// Source is the upstream node whose output drives the fan-out.
	Source Addr

	// Output is the source's output attribute carrying the collection
	// (a JSON array of flat string objects, see DecodeCollection).
	Output string

	// Generate builds a child node for each collection element.
	Generate ExpandFunc
}

// ObservedState is the persisted last-known state of a node, the only entity
// that lives across runs.
type ObservedState struct {
	// ProviderID is the provider-assigned identifier of the live resource.
	ProviderID string `json:"provider_id"`

	// Digest is the stable digest of the last-applied resolved attributes.
	Digest string `json:"digest"`

	// Attrs are the last-applied resolved attribute values.
	Attrs map[string]string `json:"attrs,omitempty"`

	// Outputs are the provider-reported output values from the last apply.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Status is the node status at the time of the last state write.
	// In-flight statuses indicate an interrupted run and trigger a provider
	// re-read at the start of the next run.
	Status NodeStatus `json:"status"`

	// DependsOn lists producer node IDs at the time of the last apply,
	// preserved so deletions can be ordered after the node is undeclared.
	DependsOn []string `json:"depends_on,omitempty"`

	// ParentGate is the fan-out gate that generated this node, for nodes
	// created by deferred expansion. Such nodes are owned by their gate: they
	// are not planned for deletion while the gate remains declared, and stale
	// ones are destroyed when the gate re-expands.
	ParentGate string `json:"parent_gate,omitempty"`
}

// PlanStep is one entry of an execution plan.
type PlanStep struct {
	// Addr is the node the step operates on.
	Addr Addr `json:"addr"`

	// Action is the planned operation.
	Action Action `json:"action"`

	// Reason is a human-readable explanation for the action.
	Reason string `json:"reason"`

	// Digest is the desired attribute digest when computable at plan time
	// (empty when the node consumes outputs of a changing producer).
	Digest string `json:"digest,omitempty"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	Total     int `json:"total"`
	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToReplace int `json:"to_replace"`
	ToDelete  int `json:"to_delete"`
	NoChange  int `json:"no_change"`
}

// DriftNotice reports a divergence between stored state and live provider
// state discovered at plan time. Drift is surfaced, never auto-resolved.
type DriftNotice struct {
	// Node is the affected node ID.
	Node string `json:"node"`

	// Kind is "missing" (deleted out-of-band) or "changed" (attributes
	// diverged).
	Kind string `json:"kind"`

	// Detail is a human-readable description.
	Detail string `json:"detail"`
}

// Plan is an immutable, consumed-once diff between desired and stored state.
// Steps are ordered: deletions first (reverse dependency order), then
// create/update/noop steps in topological order.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Steps is the ordered action sequence.
	Steps []PlanStep `json:"steps"`

	// Summary provides plan statistics.
	Summary PlanSummary `json:"summary"`

	// Drift lists state-drift notices discovered during planning.
	Drift []DriftNotice `json:"drift,omitempty"`

	graph   *Graph
	stored  map[string]ObservedState
	mu      sync.Mutex
	applied bool
}

// IsNoOp returns true when the plan requires no provider calls.
func (p *Plan) IsNoOp() bool {
	for _, step := range p.Steps {
		if step.Action != ActionNoOp {
			return false
		}
	}
	return true
}

// Graph returns the execution graph the plan was computed against.
func (p *Plan) Graph() *Graph {
	return p.graph
}

// consume marks the plan as executed; a plan can be applied exactly once.
func (p *Plan) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied {
		return NewPermanentError("plan has already been applied", nil).
			WithCode(ErrCodeValidation)
	}
	p.applied = true
	return nil
}

// PendingOperation is the handle for a resource whose create or update call
// returned before the resource became usable. The reconciler owns these and
// re-polls on a backoff schedule until ready, rejected, or past deadline.
type PendingOperation struct {
	// Addr is the waiting node.
	Addr Addr `json:"addr"`

	// ProviderID identifies the resource at the provider.
	ProviderID string `json:"provider_id"`

	// Deadline is the absolute readiness deadline.
	Deadline time.Time `json:"deadline"`

	// Interval is the current backoff interval.
	Interval time.Duration `json:"interval"`

	// Attempts counts readiness polls issued so far.
	Attempts int `json:"attempts"`
}

// NodeResult is the per-node outcome of an apply run.
type NodeResult struct {
	// Node is the node ID.
	Node string `json:"node"`

	// Action is the planned action that was executed (or skipped).
	Action Action `json:"action"`

	// Outcome is the final per-node result.
	Outcome Outcome `json:"outcome"`

	// Error is the classified error for failed or blocked nodes.
	Error *EngineError `json:"error,omitempty"`

	// Outputs are the node's final output values when it reached Ready.
	Outputs map[string]string `json:"outputs,omitempty"`

	// StartedAt is when execution of the node began.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the node reached its terminal outcome.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// RunSummary provides statistics about an apply run.
type RunSummary struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	Deleted int `json:"deleted"`
	NoOp    int `json:"noop"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
	Skipped int `json:"skipped"`
}

// ApplyResult is the final report of one apply run.
type ApplyResult struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the overall exit status.
	Status RunStatus `json:"status"`

	// Nodes maps node IDs to their results, including nodes inserted by
	// deferred fan-out during the run.
	Nodes map[string]*NodeResult `json:"nodes"`

	// Summary provides run statistics.
	Summary RunSummary `json:"summary"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`
}

// summarize recomputes the run summary and overall status from node results.
func (r *ApplyResult) summarize() {
	summary := RunSummary{Total: len(r.Nodes)}
	for _, res := range r.Nodes {
		switch res.Outcome {
		case OutcomeReady:
			summary.Ready++
		case OutcomeDeleted:
			summary.Deleted++
		case OutcomeNoOp:
			summary.NoOp++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeBlocked:
			summary.Blocked++
		case OutcomeSkipped:
			summary.Skipped++
		}
	}
	r.Summary = summary

	switch {
	case summary.Skipped > 0:
		r.Status = RunStatusCancelled
	case summary.Failed == 0 && summary.Blocked == 0:
		r.Status = RunStatusSucceeded
	case summary.Ready > 0 || summary.Deleted > 0 || summary.NoOp > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
}
