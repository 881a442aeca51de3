package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Planner computes the diff between the desired graph and the stored observed
// state. Planning is pure: it issues no provider calls and has no side
// effects, so plan and apply stay independently testable.
type Planner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// ComputePlan derives an ordered, immutable plan from the graph and the
// stored state snapshot. frozen maps node IDs to a reason they must not be
// touched this run (unconfirmed drift); frozen nodes plan as NoOp.
//
// Ordering: deletions first, in reverse dependency order among the deleted
// set, then create/update/noop steps in the graph's topological order.
// Applying the same desired state twice with no external drift yields an
// all-NoOp second plan.
func (p *Planner) ComputePlan(graph *Graph, stored map[string]ObservedState, frozen map[string]string) (*Plan, error) {
	if graph == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		graph:     graph,
		stored:    stored,
	}

	plan.Steps = append(plan.Steps, p.deleteSteps(graph, stored)...)

	// changed tracks nodes whose action mutates state; any consumer of a
	// changed producer must re-resolve, so it becomes an update as well.
	changed := make(map[string]bool)

	for _, id := range graph.TopoOrder() {
		node, _ := graph.Node(id)
		step := p.diffNode(graph, node, stored, frozen, changed)
		if step.Action != ActionNoOp {
			changed[id] = true
		}
		plan.Steps = append(plan.Steps, step)
	}

	for _, step := range plan.Steps {
		plan.Summary.Total++
		switch step.Action {
		case ActionCreate:
			plan.Summary.ToCreate++
		case ActionUpdate:
			plan.Summary.ToUpdate++
		case ActionReplace:
			plan.Summary.ToReplace++
		case ActionDelete:
			plan.Summary.ToDelete++
		case ActionNoOp:
			plan.Summary.NoChange++
		}
	}

	return plan, nil
}

// diffNode decides the action for a single desired node.
func (p *Planner) diffNode(
	graph *Graph,
	node *ResourceNode,
	stored map[string]ObservedState,
	frozen map[string]string,
	changed map[string]bool,
) PlanStep {
	id := node.ID()

	if reason, ok := frozen[id]; ok {
		return PlanStep{Addr: node.Addr, Action: ActionNoOp, Reason: reason}
	}

	rec, exists := stored[id]
	if !exists {
		return PlanStep{Addr: node.Addr, Action: ActionCreate, Reason: "not in state"}
	}

	for _, producer := range graph.Predecessors(id) {
		if changed[producer] {
			return PlanStep{
				Addr:   node.Addr,
				Action: ActionUpdate,
				Reason: fmt.Sprintf("upstream %s changes", producer),
			}
		}
	}

	if rec.Status.IsInFlight() {
		return PlanStep{
			Addr:   node.Addr,
			Action: ActionUpdate,
			Reason: fmt.Sprintf("previous run interrupted while %s", rec.Status),
		}
	}

	// All producers are unchanged, so their stored outputs are final and the
	// desired attributes can be resolved at plan time.
	resolved, err := ResolveAttrs(node.Attrs, func(producer Addr) (map[string]string, bool) {
		prodRec, ok := stored[producer.String()]
		if !ok {
			return nil, false
		}
		return prodRec.Outputs, true
	})
	if err != nil {
		// A producer missing from state would have planned as Create and
		// been caught by the changed check; treat the residual case as a
		// conservative update.
		return PlanStep{Addr: node.Addr, Action: ActionUpdate, Reason: "unresolvable against stored state"}
	}

	digest := AttrsDigest(resolved)
	if digest == rec.Digest {
		return PlanStep{Addr: node.Addr, Action: ActionNoOp, Reason: "up to date", Digest: digest}
	}

	if node.ReplaceOnChange {
		return PlanStep{Addr: node.Addr, Action: ActionReplace, Reason: "attributes changed (forces replacement)", Digest: digest}
	}
	return PlanStep{Addr: node.Addr, Action: ActionUpdate, Reason: "attributes changed", Digest: digest}
}

// deleteSteps plans destruction of stored nodes that are no longer declared,
// consumers before producers so nothing is destroyed while still referenced.
func (p *Planner) deleteSteps(graph *Graph, stored map[string]ObservedState) []PlanStep {
	removed := make(map[string]ObservedState)
	for id, rec := range stored {
		if _, declared := graph.Node(id); declared {
			continue
		}
		// Fan-out children are owned by their gate: while the gate remains
		// declared they are managed by re-expansion, not by deletion steps.
		if rec.ParentGate != "" {
			if _, gateDeclared := graph.Node(rec.ParentGate); gateDeclared {
				continue
			}
		}
		removed[id] = rec
	}
	if len(removed) == 0 {
		return nil
	}

	// Count, within the removed set, how many consumers each node still has;
	// a node is destroyable once all of its consumers are gone.
	consumers := make(map[string]int, len(removed))
	for id := range removed {
		consumers[id] = 0
	}
	for _, rec := range removed {
		for _, producer := range rec.DependsOn {
			if _, ok := removed[producer]; ok {
				consumers[producer]++
			}
		}
	}

	frontier := make([]string, 0)
	for id, n := range consumers {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}

	var steps []PlanStep
	for len(frontier) > 0 {
		sort.Strings(frontier)
		id := frontier[0]
		frontier = frontier[1:]

		addr, err := ParseAddr(id)
		if err != nil {
			// State written by this engine always holds parseable IDs.
			continue
		}
		steps = append(steps, PlanStep{Addr: addr, Action: ActionDelete, Reason: "no longer declared"})

		for _, producer := range removed[id].DependsOn {
			if _, ok := removed[producer]; !ok {
				continue
			}
			consumers[producer]--
			if consumers[producer] == 0 {
				frontier = append(frontier, producer)
			}
		}
	}

	// Nodes caught in a stored dependency cycle (which cannot be produced by
	// a successful run) are appended in lexical order as a fallback.
	if len(steps) < len(removed) {
		planned := make(map[string]bool, len(steps))
		for _, s := range steps {
			planned[s.Addr.String()] = true
		}
		rest := make([]string, 0)
		for id := range removed {
			if !planned[id] {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		for _, id := range rest {
			if addr, err := ParseAddr(id); err == nil {
				steps = append(steps, PlanStep{Addr: addr, Action: ActionDelete, Reason: "no longer declared"})
			}
		}
	}

	return steps
}
