package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/provider"
)

// ControllerConfig tunes the plan/apply controller.
type ControllerConfig struct {
	// Logger receives structured controller logs.
	Logger zerolog.Logger

	// Events receives run timeline events; nil discards them.
	Events EventSink

	// Reconcile configures plan execution.
	Reconcile ReconcilerConfig
}

// Controller is the top-level plan/apply surface: it builds the dependency
// graph from desired state, refreshes stored state against live provider
// state, computes a plan, and executes it. Plan and apply are separate calls
// so a plan can be reviewed before execution.
type Controller struct {
	store      StateStore
	registry   *provider.Registry
	planner    *Planner
	reconciler *Reconciler
	log        zerolog.Logger
}

// NewController creates a controller bound to a state store and a provider
// registry.
func NewController(store StateStore, registry *provider.Registry, cfg ControllerConfig) *Controller {
	rc := cfg.Reconcile
	rc.Logger = cfg.Logger
	if rc.Events == nil {
		rc.Events = cfg.Events
	}
	return &Controller{
		store:      store,
		registry:   registry,
		planner:    NewPlanner(),
		reconciler: NewReconciler(registry, store, rc),
		log:        cfg.Logger.With().Str("component", "controller").Logger(),
	}
}

// PlanOptions controls plan computation.
type PlanOptions struct {
	// SkipRefresh disables the provider-side refresh of stored state. Plans
	// are then computed purely against the store; out-of-band changes go
	// unnoticed.
	SkipRefresh bool

	// RecreateApproved lists node IDs whose out-of-band deletion has been
	// confirmed: instead of being frozen with a drift notice, they plan as
	// Create.
	RecreateApproved []string
}

// Plan computes an execution plan for the desired node set. Desired nodes
// are validated, assembled into a dependency graph (cycles are rejected with
// the full cycle named), and diffed against stored state. Unless
// SkipRefresh is set, stored records are first checked against live provider
// state: resources deleted out-of-band are frozen and surfaced as drift, and
// records left in-flight by an interrupted run are reconciled from a fresh
// provider read.
func (c *Controller) Plan(ctx context.Context, desired []*ResourceNode, opts PlanOptions) (*Plan, error) {
	graph, err := NewGraphBuilder().Build(desired)
	if err != nil {
		return nil, err
	}

	stored, err := c.store.Load(ctx)
	if err != nil {
		return nil, NewPermanentError("loading state failed", err).WithCode(ErrCodeInternal)
	}

	frozen := make(map[string]string)
	var drift []DriftNotice
	if !opts.SkipRefresh {
		drift, err = c.refresh(ctx, graph, stored, frozen, opts)
		if err != nil {
			return nil, err
		}
	}

	plan, err := c.planner.ComputePlan(graph, stored, frozen)
	if err != nil {
		return nil, err
	}
	plan.Drift = drift

	c.log.Info().Str("plan_id", plan.ID).
		Int("create", plan.Summary.ToCreate).Int("update", plan.Summary.ToUpdate).
		Int("replace", plan.Summary.ToReplace).Int("delete", plan.Summary.ToDelete).
		Int("noop", plan.Summary.NoChange).Int("drift", len(drift)).
		Msg("plan computed")

	return plan, nil
}

// PlanDestroy computes a plan that destroys everything in the store, in
// reverse dependency order.
func (c *Controller) PlanDestroy(ctx context.Context, opts PlanOptions) (*Plan, error) {
	return c.Plan(ctx, nil, opts)
}

// Apply executes a previously computed plan. The plan is consumed; computing
// a fresh plan is the only way to run again.
func (c *Controller) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	return c.reconciler.Apply(ctx, plan)
}

// approvedSet turns the approved-recreate list into a lookup set.
func approvedSet(opts PlanOptions) map[string]bool {
	set := make(map[string]bool, len(opts.RecreateApproved))
	for _, id := range opts.RecreateApproved {
		set[id] = true
	}
	return set
}

// refresh reconciles stored records with live provider state before
// planning. It mutates stored (removing records for resources that are
// confirmed gone) and frozen (nodes that must not be touched this run), and
// returns the drift notices to surface.
//
// Records whose status is in-flight mark a run that died between a provider
// call and its state write; those are recovered by a fresh provider read
// keyed on the logical name, never reported as drift.
func (c *Controller) refresh(
	ctx context.Context,
	graph *Graph,
	stored map[string]ObservedState,
	frozen map[string]string,
	opts PlanOptions,
) ([]DriftNotice, error) {
	approved := approvedSet(opts)
	var drift []DriftNotice

	for _, id := range storedIDs(stored) {
		rec, ok := stored[id]
		if !ok {
			// Removed by an earlier iteration (fan-out child cleanup).
			continue
		}
		addr, err := ParseAddr(id)
		if err != nil {
			continue
		}

		// Fan-out gates have no provider-side resource; their record is the
		// engine's own completion marker.
		if node, declared := graph.Node(id); declared && node.Expand != nil {
			continue
		}
		pr, err := c.registry.Get(addr.Type)
		if err != nil {
			// A stored record for a type with no provider cannot be refreshed
			// or destroyed; leave it alone and surface it.
			drift = append(drift, DriftNotice{
				Node: id, Kind: "changed",
				Detail: fmt.Sprintf("no provider registered for type %q; record not refreshed", addr.Type),
			})
			frozen[id] = "no provider for stored record"
			continue
		}

		_, declared := graph.Node(id)

		if rec.Status.IsInFlight() {
			if err := c.recoverInFlight(ctx, pr, addr, id, rec, stored); err != nil {
				return nil, err
			}
			continue
		}

		res, err := pr.Read(ctx, provider.ReadRequest{
			Type: addr.Type, Name: addr.Name, ProviderID: rec.ProviderID,
		})
		switch {
		case errors.Is(err, provider.ErrNotFound):
			if gate, owned := c.ownedByDeclaredGate(graph, rec); owned {
				// A fan-out child deleted out-of-band is recreated by forcing
				// its gate to re-expand on the next apply.
				delete(stored, id)
				delete(stored, gate)
				if storeErr := c.store.Remove(ctx, id); storeErr != nil {
					return nil, NewPermanentError("state remove failed", storeErr).
						WithCode(ErrCodeInternal).WithNode(id)
				}
				if storeErr := c.store.Remove(ctx, gate); storeErr != nil {
					return nil, NewPermanentError("state remove failed", storeErr).
						WithCode(ErrCodeInternal).WithNode(gate)
				}
				drift = append(drift, DriftNotice{
					Node: id, Kind: "missing",
					Detail: fmt.Sprintf("fan-out child absent at the provider; gate %s will re-expand", gate),
				})
				continue
			}
			if !declared || approved[id] {
				// Gone at the provider and either undeclared (nothing to
				// destroy) or approved for recreate.
				delete(stored, id)
				if storeErr := c.store.Remove(ctx, id); storeErr != nil {
					return nil, NewPermanentError("state remove failed", storeErr).
						WithCode(ErrCodeInternal).WithNode(id)
				}
				continue
			}
			frozen[id] = "deleted out-of-band; recreate requires confirmation"
			drift = append(drift, DriftNotice{
				Node: id, Kind: "missing",
				Detail: "resource recorded in state but absent at the provider",
			})

		case err != nil:
			// Refresh is best-effort: a flaky provider must not make planning
			// impossible. The stored record stands.
			c.log.Warn().Str("node", id).Err(err).Msg("refresh read failed; using stored state")

		default:
			live := AttrsDigest(res.Attrs)
			if live != rec.Digest && declared {
				frozen[id] = "changed out-of-band; resolve drift before applying"
				drift = append(drift, DriftNotice{
					Node: id, Kind: "changed",
					Detail: "provider-side attributes diverged from the recorded state",
				})
			}
		}
	}

	return drift, nil
}

// recoverInFlight resolves a record left mid-operation by an interrupted
// run: the provider is re-read by logical name and the record is rewritten
// to match what actually exists.
func (c *Controller) recoverInFlight(
	ctx context.Context,
	pr provider.Provider,
	addr Addr,
	id string,
	rec ObservedState,
	stored map[string]ObservedState,
) error {
	res, err := pr.Read(ctx, provider.ReadRequest{Type: addr.Type, Name: addr.Name})
	switch {
	case errors.Is(err, provider.ErrNotFound):
		// The interrupted call never took effect (or a delete completed).
		delete(stored, id)
		if storeErr := c.store.Remove(ctx, id); storeErr != nil {
			return NewPermanentError("state remove failed", storeErr).
				WithCode(ErrCodeInternal).WithNode(id)
		}
		c.log.Info().Str("node", id).Str("was", string(rec.Status)).
			Msg("interrupted operation left no resource; record cleared")

	case err != nil:
		return NewPermanentError("recovering interrupted record failed", err).
			WithCode(ErrCodeInternal).WithNode(id)

	default:
		was := rec.Status
		rec.ProviderID = res.ProviderID
		rec.Attrs = res.Attrs
		rec.Outputs = res.Outputs
		rec.Digest = AttrsDigest(res.Attrs)
		rec.Status = NodeStatusReady
		stored[id] = rec
		if storeErr := c.store.Record(ctx, id, rec); storeErr != nil {
			return NewPermanentError("state write failed", storeErr).
				WithCode(ErrCodeInternal).WithNode(id)
		}
		c.log.Info().Str("node", id).Str("was", string(was)).
			Msg("interrupted operation recovered from provider read")
	}
	return nil
}

// ownedByDeclaredGate reports whether a stored record belongs to a fan-out
// gate that is still declared, returning the gate ID.
func (c *Controller) ownedByDeclaredGate(graph *Graph, rec ObservedState) (string, bool) {
	if rec.ParentGate == "" {
		return "", false
	}
	if _, declared := graph.Node(rec.ParentGate); !declared {
		return "", false
	}
	return rec.ParentGate, true
}

// storedIDs returns the stored node IDs in a deterministic order.
func storedIDs(stored map[string]ObservedState) []string {
	return sortedKeys(stored)
}
