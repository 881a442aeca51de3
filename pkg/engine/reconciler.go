package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/provider"
)

// ReconcilerConfig tunes plan execution.
type ReconcilerConfig struct {
	// MaxParallel bounds concurrent node executions (provider rate limits).
	MaxParallel int

	// MaxRetries bounds retries of transient provider failures per call.
	MaxRetries int

	// RetryBaseDelay is the base for the retry backoff schedule.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the retry backoff.
	RetryMaxDelay time.Duration

	// Poll configures readiness polling.
	Poll PollConfig

	// Logger receives structured execution logs.
	Logger zerolog.Logger

	// Events receives run timeline events; nil discards them.
	Events EventSink
}

// withDefaults fills unset fields with production defaults.
func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.Events == nil {
		c.Events = NopSink{}
	}
	return c
}

// Reconciler executes a Plan against the graph: it advances every node
// through its status state machine in dependency order, aggregates outputs so
// dependents can resolve their references, and contains failures to the
// failed node's downstream cone while unrelated branches continue.
type Reconciler struct {
	registry *provider.Registry
	store    StateStore
	poller   *Poller
	cfg      ReconcilerConfig
	log      zerolog.Logger
}

// NewReconciler creates a reconciler bound to a provider registry and a
// state store.
func NewReconciler(registry *provider.Registry, store StateStore, cfg ReconcilerConfig) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		registry: registry,
		store:    store,
		poller:   NewPoller(cfg.Poll),
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// eventKind discriminates coordinator events.
type eventKind int

const (
	evCompleted eventKind = iota
	evWaiting
	evPollDue
	evExpanded
)

// nodeEvent is a message from a worker (or a poll timer) to the coordinator.
type nodeEvent struct {
	kind      eventKind
	id        string
	action    Action
	outcome   Outcome
	outputs   map[string]string
	err       *EngineError
	pend      *pendingExec
	children  []*ResourceNode
	startedAt time.Time
}

// pendingExec carries the context of a node parked in WaitingReady between
// polls: the worker returns to the pool and the coordinator re-polls on a
// backoff timer.
type pendingExec struct {
	op        *PendingOperation
	action    Action
	digest    string
	resolved  map[string]string
	outputs   map[string]string
	startedAt time.Time
}

// applyRun is the coordinator state for one run. Only the coordinating
// goroutine mutates it; workers communicate through the events channel and
// read resolved outputs through readOutputs.
type applyRun struct {
	r      *Reconciler
	runID  string
	plan   *Plan
	graph  *Graph
	result *ApplyResult

	steps     map[string]PlanStep
	remaining map[string]int
	done      map[string]bool
	waiting   map[string]*pendingExec
	queue     []string
	queued    map[string]bool
	inflight  int
	total     int
	completed int
	cancelled bool

	outMu   sync.RWMutex
	outputs map[string]map[string]string

	events chan nodeEvent
	timers map[string]*time.Timer
}

// Apply executes a plan. The plan is consumed: a second Apply of the same
// plan fails. The returned ApplyResult enumerates every node's final status
// and every error encountered; an error is returned only for run-level
// failures (the per-node failures live in the result).
func (r *Reconciler) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	if plan == nil || plan.graph == nil {
		return nil, NewPermanentError("plan is nil or detached from its graph", nil).
			WithCode(ErrCodeValidation)
	}
	if err := plan.consume(); err != nil {
		return nil, err
	}

	run := &applyRun{
		r:      r,
		runID:  newRunID(),
		plan:   plan,
		graph:  plan.graph,
		result: &ApplyResult{PlanID: plan.ID, StartedAt: time.Now(), Nodes: make(map[string]*NodeResult)},

		steps:     make(map[string]PlanStep),
		remaining: make(map[string]int),
		done:      make(map[string]bool),
		waiting:   make(map[string]*pendingExec),
		queued:    make(map[string]bool),
		outputs:   make(map[string]map[string]string),
		events:    make(chan nodeEvent, 64),
		timers:    make(map[string]*time.Timer),
	}
	run.result.RunID = run.runID

	r.publish(ctx, run.runID, "", EventRunStarted, "run started", "info")
	r.log.Info().Str("run_id", run.runID).Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).Msg("apply started")

	// Destroy phase first: undeclared resources go away before anything new
	// is created, consumers before producers (plan order).
	run.executeDeletes(ctx)

	run.seed()
	run.loop(ctx)

	run.result.CompletedAt = time.Now()
	run.result.summarize()

	r.publish(ctx, run.runID, "", EventRunCompleted,
		fmt.Sprintf("run completed with status %s", run.result.Status), "info")
	r.log.Info().Str("run_id", run.runID).Str("status", string(run.result.Status)).
		Int("ready", run.result.Summary.Ready).Int("failed", run.result.Summary.Failed).
		Int("blocked", run.result.Summary.Blocked).Msg("apply finished")

	return run.result, nil
}

// executeDeletes destroys every planned delete sequentially in plan order.
func (x *applyRun) executeDeletes(ctx context.Context) {
	for _, step := range x.plan.Steps {
		if step.Action != ActionDelete {
			continue
		}
		id := step.Addr.String()
		res := &NodeResult{Node: id, Action: ActionDelete, StartedAt: time.Now()}
		x.result.Nodes[id] = res

		if x.cancelled || ctx.Err() != nil {
			res.Outcome = OutcomeSkipped
			res.CompletedAt = time.Now()
			continue
		}

		err := x.r.deleteNode(ctx, x.runID, step.Addr, x.plan.stored[id])
		res.CompletedAt = time.Now()
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err
			continue
		}
		res.Outcome = OutcomeDeleted
	}
}

// seed initializes scheduling state for the create/update/noop steps.
func (x *applyRun) seed() {
	for _, step := range x.plan.Steps {
		if step.Action == ActionDelete {
			continue
		}
		id := step.Addr.String()
		x.steps[id] = step
		x.remaining[id] = len(x.graph.Predecessors(id))
		x.total++
		if x.remaining[id] == 0 {
			x.enqueue(id)
		}
	}
}

// loop is the coordinator: it dispatches ready nodes to workers up to the
// parallelism bound and folds worker events back into the schedule.
func (x *applyRun) loop(ctx context.Context) {
	for {
		if !x.cancelled {
			x.schedule(ctx)
		}

		if x.completed >= x.total && x.inflight == 0 && len(x.waiting) == 0 {
			return
		}
		if x.cancelled && x.inflight == 0 {
			x.skipRemaining()
			return
		}
		// Deadlocked schedule (nothing running, nothing ready): only possible
		// if a waiting timer is pending; otherwise skip what is left.
		if !x.cancelled && x.inflight == 0 && len(x.queue) == 0 && len(x.waiting) == 0 {
			x.skipRemaining()
			return
		}

		select {
		case ev := <-x.events:
			x.handle(ctx, ev)
		case <-ctx.Done():
			if !x.cancelled {
				x.cancelled = true
				x.stopTimers()
				x.r.log.Warn().Str("run_id", x.runID).Msg("cancellation requested; letting in-flight calls finish")
			}
		}
	}
}

// schedule dispatches queued nodes while worker capacity remains.
func (x *applyRun) schedule(ctx context.Context) {
	for x.inflight < x.r.cfg.MaxParallel && len(x.queue) > 0 {
		sort.Slice(x.queue, func(i, j int) bool {
			ni, _ := x.graph.Node(x.queue[i])
			nj, _ := x.graph.Node(x.queue[j])
			return ni.DeclOrder < nj.DeclOrder
		})
		id := x.queue[0]
		x.queue = x.queue[1:]
		delete(x.queued, id)
		if x.done[id] {
			continue
		}

		node, _ := x.graph.Node(id)
		step := x.steps[id]
		x.inflight++
		go x.r.executeNode(ctx, x, node, step)
	}
}

// handle folds one worker event into the schedule.
func (x *applyRun) handle(ctx context.Context, ev nodeEvent) {
	switch ev.kind {
	case evCompleted:
		x.inflight--
		x.finish(ctx, ev)

	case evWaiting:
		x.inflight--
		if x.cancelled {
			x.finish(ctx, nodeEvent{
				kind: evCompleted, id: ev.id, action: ev.pend.action, outcome: OutcomeSkipped,
				err: NewPermanentError("run cancelled while waiting for readiness", nil).
					WithCode(ErrCodeCancelled).WithNode(ev.id),
				startedAt: ev.pend.startedAt,
			})
			return
		}
		x.waiting[ev.id] = ev.pend
		x.r.publish(ctx, x.runID, ev.id, EventNodeWaiting, "waiting for readiness", "info")
		x.armPollTimer(ev.id, ev.pend)

	case evPollDue:
		pend, stillWaiting := x.waiting[ev.id]
		if !stillWaiting {
			// The node left the waiting set (blocked by a failed sibling's
			// cone) before the timer fired.
			return
		}
		if x.cancelled {
			// Polling abandoned; the node never confirmed ready this run.
			delete(x.waiting, ev.id)
			x.finish(ctx, nodeEvent{
				kind: evCompleted, id: ev.id, action: pend.action, outcome: OutcomeSkipped,
				err: NewPermanentError("run cancelled while waiting for readiness", nil).
					WithCode(ErrCodeCancelled).WithNode(ev.id),
				startedAt: pend.startedAt,
			})
			return
		}
		node, _ := x.graph.Node(ev.id)
		x.inflight++
		go x.r.pollNode(ctx, x, node, pend)

	case evExpanded:
		x.inflight--
		x.expand(ctx, ev)
	}
}

// finish records a terminal outcome for a node and unparks its dependents.
func (x *applyRun) finish(ctx context.Context, ev nodeEvent) {
	delete(x.waiting, ev.id)
	if x.done[ev.id] {
		return
	}
	x.done[ev.id] = true
	x.completed++

	res := &NodeResult{
		Node:        ev.id,
		Action:      ev.action,
		Outcome:     ev.outcome,
		Error:       ev.err,
		Outputs:     ev.outputs,
		StartedAt:   ev.startedAt,
		CompletedAt: time.Now(),
	}
	x.result.Nodes[ev.id] = res

	switch ev.outcome {
	case OutcomeReady, OutcomeNoOp:
		x.outMu.Lock()
		x.outputs[ev.id] = ev.outputs
		x.outMu.Unlock()

		if node, ok := x.graph.Node(ev.id); ok {
			node.Status = NodeStatusReady
		}
		x.r.publish(ctx, x.runID, ev.id, EventNodeReady, fmt.Sprintf("%s (%s)", ev.outcome, ev.action), "info")

		for _, dependent := range x.graph.Dependents(ev.id) {
			if x.done[dependent] {
				continue
			}
			x.remaining[dependent]--
			if x.remaining[dependent] == 0 {
				x.enqueue(dependent)
			}
		}

	case OutcomeFailed, OutcomeSkipped:
		if node, ok := x.graph.Node(ev.id); ok && ev.outcome == OutcomeFailed {
			node.Status = NodeStatusFailed
		}
		level := "error"
		evType := EventNodeFailed
		if ev.outcome == OutcomeSkipped {
			level = "warning"
			evType = EventNodeBlocked
		}
		msg := string(ev.outcome)
		if ev.err != nil {
			msg = ev.err.Error()
		}
		x.r.publish(ctx, x.runID, ev.id, evType, msg, level)

		if ev.outcome == OutcomeFailed {
			x.blockDependents(ctx, ev.id)
		}
	}
}

// blockDependents marks every unexecuted transitive dependent of a failed
// node as Blocked so independent branches keep running (fail-wide-but-
// contained, not fail-fast-global).
func (x *applyRun) blockDependents(ctx context.Context, failedID string) {
	for _, id := range x.graph.TransitiveDependents(failedID) {
		if x.done[id] {
			continue
		}
		if _, planned := x.steps[id]; !planned {
			continue
		}
		x.done[id] = true
		x.completed++
		delete(x.waiting, id)

		if node, ok := x.graph.Node(id); ok {
			node.Status = NodeStatusBlocked
		}
		x.result.Nodes[id] = &NodeResult{
			Node:    id,
			Action:  x.steps[id].Action,
			Outcome: OutcomeBlocked,
			Error: NewPermanentError(
				fmt.Sprintf("predecessor %s failed", failedID), nil,
			).WithCode(ErrCodeDependencyFailed).WithNode(id),
			CompletedAt: time.Now(),
		}
		x.r.publish(ctx, x.runID, id, EventNodeBlocked,
			fmt.Sprintf("blocked by failed predecessor %s", failedID), "warning")
	}
}

// expand inserts fan-out children generated by a gate node and re-parks the
// gate behind them.
func (x *applyRun) expand(ctx context.Context, ev nodeEvent) {
	if ev.err != nil {
		x.finish(ctx, nodeEvent{
			kind: evCompleted, id: ev.id, action: ev.action, outcome: OutcomeFailed,
			err: ev.err, startedAt: ev.startedAt,
		})
		return
	}

	if err := x.graph.InsertChildren(ev.id, ev.children); err != nil {
		engErr, ok := err.(*EngineError)
		if !ok {
			engErr = NewPermanentError("fan-out expansion failed", err).WithCode(ErrCodeInternal)
		}
		x.finish(ctx, nodeEvent{
			kind: evCompleted, id: ev.id, action: ev.action, outcome: OutcomeFailed,
			err: engErr.WithNode(ev.id), startedAt: ev.startedAt,
		})
		return
	}

	x.r.publish(ctx, x.runID, ev.id, EventNodeExpanded,
		fmt.Sprintf("expanded into %d nodes", len(ev.children)), "info")

	for _, child := range ev.children {
		id := child.ID()
		// Children diff against stored state at execution time; the step
		// action recorded here is refined by the worker.
		x.steps[id] = PlanStep{Addr: child.Addr, Action: ActionCreate, Reason: "generated by fan-out"}
		x.total++

		pending := 0
		for _, producer := range x.graph.Predecessors(id) {
			if !x.done[producer] {
				pending++
			}
		}
		x.remaining[id] = pending
		if pending == 0 {
			x.enqueue(id)
		}
	}

	// The gate completes only after all children; it was dispatched once, so
	// its remaining count now reflects unfinished children.
	pending := 0
	for _, producer := range x.graph.Predecessors(ev.id) {
		if !x.done[producer] {
			pending++
		}
	}
	x.remaining[ev.id] = pending
	if pending == 0 {
		x.enqueue(ev.id)
	}
}

// enqueue adds a node to the ready queue exactly once.
func (x *applyRun) enqueue(id string) {
	if x.queued[id] || x.done[id] {
		return
	}
	x.queued[id] = true
	x.queue = append(x.queue, id)
}

// armPollTimer schedules the next readiness poll for a waiting node.
func (x *applyRun) armPollTimer(id string, pend *pendingExec) {
	delay := x.r.poller.NextInterval(pend.op)
	x.timers[id] = time.AfterFunc(delay, func() {
		x.events <- nodeEvent{kind: evPollDue, id: id}
	})
}

// stopTimers cancels all pending poll timers.
func (x *applyRun) stopTimers() {
	for id, t := range x.timers {
		t.Stop()
		delete(x.timers, id)
	}
}

// skipRemaining marks every unfinished node as skipped after cancellation or
// a drained schedule.
func (x *applyRun) skipRemaining() {
	for id := range x.steps {
		if x.done[id] {
			continue
		}
		x.done[id] = true
		x.completed++
		x.result.Nodes[id] = &NodeResult{
			Node:    id,
			Action:  x.steps[id].Action,
			Outcome: OutcomeSkipped,
			Error: NewPermanentError("run cancelled before node became ready to execute", nil).
				WithCode(ErrCodeCancelled).WithNode(id),
			CompletedAt: time.Now(),
		}
	}
}

// readOutputs is the reference resolver workers use: a node's outputs are
// written once by its own executor and read-only for dependents after Ready.
func (x *applyRun) readOutputs(addr Addr) (map[string]string, bool) {
	x.outMu.RLock()
	defer x.outMu.RUnlock()
	out, ok := x.outputs[addr.String()]
	return out, ok
}

// executeNode runs one node to a terminal state or parks it in WaitingReady.
// Runs on a worker goroutine; communicates with the coordinator via events.
func (r *Reconciler) executeNode(ctx context.Context, x *applyRun, node *ResourceNode, step PlanStep) {
	startedAt := time.Now()
	id := node.ID()

	if node.Expand != nil && !r.expandedGate(x, id) {
		r.expandGate(ctx, x, node, step, startedAt)
		return
	}

	switch step.Action {
	case ActionNoOp:
		rec := x.plan.stored[id]
		node.Status = NodeStatusReady
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: ActionNoOp, outcome: OutcomeNoOp,
			outputs: rec.Outputs, startedAt: startedAt,
		}

	case ActionCreate, ActionUpdate, ActionReplace:
		r.applyNode(ctx, x, node, step, startedAt)

	default:
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: step.Action, outcome: OutcomeFailed,
			err: NewPermanentError(fmt.Sprintf("unexpected plan action %s", step.Action), nil).
				WithCode(ErrCodeInternal).WithNode(id),
			startedAt: startedAt,
		}
	}
}

// expandedGate reports whether the gate has already generated its children.
func (r *Reconciler) expandedGate(x *applyRun, id string) bool {
	x.outMu.RLock()
	defer x.outMu.RUnlock()
	_, ok := x.outputs["expanded:"+id]
	return ok
}

// expandGate generates fan-out children from the gate's upstream collection.
// The gate is dispatched a second time once its children complete; the
// completion path stores the gate record and aggregate outputs.
func (r *Reconciler) expandGate(ctx context.Context, x *applyRun, node *ResourceNode, step PlanStep, startedAt time.Time) {
	id := node.ID()

	if step.Action == ActionNoOp {
		// Stored gate with unchanged upstream: children are already live.
		rec := x.plan.stored[id]
		node.Status = NodeStatusReady
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: ActionNoOp, outcome: OutcomeNoOp,
			outputs: rec.Outputs, startedAt: startedAt,
		}
		return
	}

	sourceOut, ok := x.readOutputs(node.Expand.Source)
	if !ok {
		x.events <- nodeEvent{
			kind: evExpanded, id: id, action: step.Action,
			err: NewPermanentError(
				fmt.Sprintf("fan-out source %s has no outputs", node.Expand.Source), nil,
			).WithCode(ErrCodeInternal).WithNode(id),
			startedAt: startedAt,
		}
		return
	}

	collection, ok := sourceOut[node.Expand.Output]
	if !ok {
		x.events <- nodeEvent{
			kind: evExpanded, id: id, action: step.Action,
			err: NewPermanentError(
				fmt.Sprintf("fan-out source %s has no output %q", node.Expand.Source, node.Expand.Output), nil,
			).WithCode(ErrCodeUnresolvedReference).WithNode(id),
			startedAt: startedAt,
		}
		return
	}

	elements, err := DecodeCollection(collection)
	if err != nil {
		engErr := err.(*EngineError)
		x.events <- nodeEvent{kind: evExpanded, id: id, action: step.Action, err: engErr.WithNode(id), startedAt: startedAt}
		return
	}

	children := make([]*ResourceNode, 0, len(elements))
	for i, element := range elements {
		child, genErr := node.Expand.Generate(i, element)
		if genErr != nil {
			x.events <- nodeEvent{
				kind: evExpanded, id: id, action: step.Action,
				err: NewPermanentError("fan-out generator failed", genErr).
					WithCode(ErrCodeValidation).WithNode(id),
				startedAt: startedAt,
			}
			return
		}
		children = append(children, child)
	}

	// Mark the gate expanded and remember the element count for completion.
	x.outMu.Lock()
	x.outputs["expanded:"+id] = map[string]string{"count": fmt.Sprintf("%d", len(children))}
	x.outMu.Unlock()

	r.log.Debug().Str("node", id).Int("children", len(children)).Msg("fan-out expanded")
	x.events <- nodeEvent{kind: evExpanded, id: id, action: step.Action, children: children, startedAt: startedAt}
}

// completeGate finalizes an expanded gate after its children are Ready:
// stale children from a previous expansion are destroyed and the gate record
// is written.
func (r *Reconciler) completeGate(ctx context.Context, x *applyRun, node *ResourceNode, step PlanStep, startedAt time.Time) {
	id := node.ID()

	x.outMu.RLock()
	meta := x.outputs["expanded:"+id]
	x.outMu.RUnlock()

	// Destroy children recorded from a previous expansion that this run did
	// not regenerate.
	current := make(map[string]bool)
	for _, childID := range x.graph.Dependents(id) {
		current[childID] = true
	}
	for _, childID := range x.graph.Predecessors(id) {
		current[childID] = true
	}
	for storedID, rec := range x.plan.stored {
		if rec.ParentGate != id || current[storedID] {
			continue
		}
		addr, parseErr := ParseAddr(storedID)
		if parseErr != nil {
			continue
		}
		if err := r.deleteNode(ctx, x.runID, addr, rec); err != nil {
			r.log.Warn().Str("node", storedID).Err(err).Msg("failed to destroy stale fan-out child")
		}
	}

	resolved, err := ResolveAttrs(node.Attrs, x.readOutputs)
	if err != nil {
		// Template placeholders (${each.*}) are opaque to the resolver, so
		// only true cross-node references can fail here.
		resolved = node.Attrs
	}

	outputs := map[string]string{"count": meta["count"]}
	rec := ObservedState{
		ProviderID: id,
		Digest:     AttrsDigest(resolved),
		Attrs:      resolved,
		Outputs:    outputs,
		Status:     NodeStatusReady,
		DependsOn:  x.graph.Predecessors(id),
	}
	if storeErr := r.store.Record(ctx, id, rec); storeErr != nil {
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: step.Action, outcome: OutcomeFailed,
			err: NewPermanentError("state write failed", storeErr).
				WithCode(ErrCodeInternal).WithNode(id),
			startedAt: startedAt,
		}
		return
	}

	node.Status = NodeStatusReady
	x.events <- nodeEvent{
		kind: evCompleted, id: id, action: step.Action, outcome: OutcomeReady,
		outputs: outputs, startedAt: startedAt,
	}
}

// applyNode issues the provider calls for a create/update/replace step.
func (r *Reconciler) applyNode(ctx context.Context, x *applyRun, node *ResourceNode, step PlanStep, startedAt time.Time) {
	id := node.ID()

	if node.Expand != nil {
		// Second dispatch of an expanded gate: children are done.
		r.completeGate(ctx, x, node, step, startedAt)
		return
	}

	fail := func(err *EngineError) {
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: step.Action, outcome: OutcomeFailed,
			err: err, startedAt: startedAt,
		}
	}

	pr, err := r.registry.Get(node.Addr.Type)
	if err != nil {
		fail(NewPermanentError("no provider for resource type", err).
			WithCode(ErrCodeValidation).WithNode(id))
		return
	}

	resolved, resolveErr := ResolveAttrs(node.Attrs, func(producer Addr) (map[string]string, bool) {
		if out, ok := x.readOutputs(producer); ok {
			return out, true
		}
		// Producers outside this run's mutation set keep their stored outputs.
		if rec, ok := x.plan.stored[producer.String()]; ok {
			return rec.Outputs, true
		}
		return nil, false
	})
	if resolveErr != nil {
		engErr := resolveErr.(*EngineError)
		fail(engErr.WithNode(id))
		return
	}
	digest := AttrsDigest(resolved)

	rec := x.plan.stored[id]
	deps := x.graph.Predecessors(id)

	r.publish(ctx, x.runID, id, EventNodeStarted, fmt.Sprintf("executing %s", step.Action), "info")

	var providerID string
	var outputs map[string]string

	switch {
	case rec.ProviderID == "" || step.Action == ActionCreate:
		providerID, outputs, err = r.createNode(ctx, x, pr, node, resolved, digest, deps)
	case step.Action == ActionReplace:
		providerID, outputs, err = r.replaceNode(ctx, x, pr, node, rec, resolved, digest, deps)
	default:
		providerID, outputs, err = r.updateNode(ctx, x, pr, node, rec, resolved, digest, deps)
	}
	if err != nil {
		engErr, ok := err.(*EngineError)
		if !ok {
			engErr = NewPermanentError("provider call failed", err).
				WithCode(ErrCodeProviderRejected).WithNode(id)
		}
		fail(engErr)
		return
	}

	if node.WaitReady {
		node.Status = NodeStatusWaitingReady
		pend := &pendingExec{
			op:        r.poller.Begin(node.Addr, providerID, node.ReadyTimeout),
			action:    step.Action,
			digest:    digest,
			resolved:  resolved,
			outputs:   outputs,
			startedAt: startedAt,
		}
		x.events <- nodeEvent{kind: evWaiting, id: id, pend: pend}
		return
	}

	if err := r.recordReady(ctx, x, node, providerID, digest, resolved, outputs, deps); err != nil {
		fail(err)
		return
	}
	x.events <- nodeEvent{
		kind: evCompleted, id: id, action: step.Action, outcome: OutcomeReady,
		outputs: outputs, startedAt: startedAt,
	}
}

// createNode provisions a new resource, checking provider-side existence
// first so a retried run never duplicates it.
func (r *Reconciler) createNode(
	ctx context.Context,
	x *applyRun,
	pr provider.Provider,
	node *ResourceNode,
	resolved map[string]string,
	digest string,
	deps []string,
) (string, map[string]string, error) {
	id := node.ID()
	node.Status = NodeStatusCreating

	// In-flight marker before the provider call: a crash between the call
	// and the Ready write is detectable on the next run.
	inflight := ObservedState{Status: NodeStatusCreating, DependsOn: deps}
	if err := r.store.Record(ctx, id, inflight); err != nil {
		return "", nil, NewPermanentError("state write failed", err).
			WithCode(ErrCodeInternal).WithNode(id)
	}

	// Existence check by logical identifier.
	existing, readErr := pr.Read(ctx, provider.ReadRequest{Type: node.Addr.Type, Name: node.Addr.Name})
	if readErr == nil && existing != nil {
		r.log.Debug().Str("node", id).Str("provider_id", existing.ProviderID).
			Msg("resource already exists; converging in place")
		res, err := r.withRetry(ctx, id, "update", func() (any, error) {
			return pr.Update(ctx, provider.UpdateRequest{
				Type: node.Addr.Type, Name: node.Addr.Name,
				ProviderID: existing.ProviderID, Attrs: resolved,
			})
		})
		if err != nil {
			return "", nil, err
		}
		return existing.ProviderID, res.(*provider.UpdateResult).Outputs, nil
	}

	res, err := r.withRetry(ctx, id, "create", func() (any, error) {
		return pr.Create(ctx, provider.CreateRequest{
			Type: node.Addr.Type, Name: node.Addr.Name, Attrs: resolved,
		})
	})
	if err != nil {
		return "", nil, err
	}
	created := res.(*provider.CreateResult)
	return created.ProviderID, created.Outputs, nil
}

// updateNode converges an existing resource in place.
func (r *Reconciler) updateNode(
	ctx context.Context,
	x *applyRun,
	pr provider.Provider,
	node *ResourceNode,
	rec ObservedState,
	resolved map[string]string,
	digest string,
	deps []string,
) (string, map[string]string, error) {
	id := node.ID()
	node.Status = NodeStatusUpdating

	inflight := rec
	inflight.Status = NodeStatusUpdating
	inflight.DependsOn = deps
	if err := r.store.Record(ctx, id, inflight); err != nil {
		return "", nil, NewPermanentError("state write failed", err).
			WithCode(ErrCodeInternal).WithNode(id)
	}

	res, err := r.withRetry(ctx, id, "update", func() (any, error) {
		return pr.Update(ctx, provider.UpdateRequest{
			Type: node.Addr.Type, Name: node.Addr.Name,
			ProviderID: rec.ProviderID, Attrs: resolved,
		})
	})
	if err != nil {
		return "", nil, err
	}
	return rec.ProviderID, res.(*provider.UpdateResult).Outputs, nil
}

// replaceNode destroys and recreates a resource, honoring the node's
// lifecycle policy for ordering.
func (r *Reconciler) replaceNode(
	ctx context.Context,
	x *applyRun,
	pr provider.Provider,
	node *ResourceNode,
	rec ObservedState,
	resolved map[string]string,
	digest string,
	deps []string,
) (string, map[string]string, error) {
	id := node.ID()

	if node.Lifecycle == LifecycleCreateBeforeDestroy {
		providerID, outputs, err := r.createNode(ctx, x, pr, node, resolved, digest, deps)
		if err != nil {
			return "", nil, err
		}
		if rec.ProviderID != "" && rec.ProviderID != providerID {
			if _, err := r.withRetry(ctx, id, "delete", func() (any, error) {
				return nil, pr.Delete(ctx, provider.DeleteRequest{
					Type: node.Addr.Type, Name: node.Addr.Name, ProviderID: rec.ProviderID,
				})
			}); err != nil {
				r.log.Warn().Str("node", id).Err(err).Msg("old resource left behind after replacement")
			}
		}
		return providerID, outputs, nil
	}

	node.Status = NodeStatusDeleting
	inflight := rec
	inflight.Status = NodeStatusDeleting
	if err := r.store.Record(ctx, id, inflight); err != nil {
		return "", nil, NewPermanentError("state write failed", err).
			WithCode(ErrCodeInternal).WithNode(id)
	}
	if _, err := r.withRetry(ctx, id, "delete", func() (any, error) {
		return nil, pr.Delete(ctx, provider.DeleteRequest{
			Type: node.Addr.Type, Name: node.Addr.Name, ProviderID: rec.ProviderID,
		})
	}); err != nil {
		return "", nil, err
	}

	return r.createNode(ctx, x, pr, node, resolved, digest, deps)
}

// pollNode issues one readiness poll for a waiting node.
func (r *Reconciler) pollNode(ctx context.Context, x *applyRun, node *ResourceNode, pend *pendingExec) {
	id := node.ID()

	pr, err := r.registry.Get(node.Addr.Type)
	if err != nil {
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: pend.action, outcome: OutcomeFailed,
			err: NewPermanentError("no provider for resource type", err).
				WithCode(ErrCodeValidation).WithNode(id),
			startedAt: pend.startedAt,
		}
		return
	}

	ready, engErr := r.poller.Check(ctx, pr, pend.op)
	if engErr != nil {
		node.Status = NodeStatusFailed
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: pend.action, outcome: OutcomeFailed,
			err: engErr, startedAt: pend.startedAt,
		}
		return
	}

	if !ready {
		x.events <- nodeEvent{kind: evWaiting, id: id, pend: pend}
		return
	}

	deps := x.graph.Predecessors(id)
	if err := r.recordReady(ctx, x, node, pend.op.ProviderID, pend.digest, pend.resolved, pend.outputs, deps); err != nil {
		x.events <- nodeEvent{
			kind: evCompleted, id: id, action: pend.action, outcome: OutcomeFailed,
			err: err, startedAt: pend.startedAt,
		}
		return
	}
	x.events <- nodeEvent{
		kind: evCompleted, id: id, action: pend.action, outcome: OutcomeReady,
		outputs: pend.outputs, startedAt: pend.startedAt,
	}
}

// recordReady persists a node's Ready state immediately after the transition.
func (r *Reconciler) recordReady(
	ctx context.Context,
	x *applyRun,
	node *ResourceNode,
	providerID, digest string,
	resolved, outputs map[string]string,
	deps []string,
) *EngineError {
	id := node.ID()
	rec := ObservedState{
		ProviderID: providerID,
		Digest:     digest,
		Attrs:      resolved,
		Outputs:    outputs,
		Status:     NodeStatusReady,
		DependsOn:  deps,
	}
	if node.GeneratedBy != "" {
		rec.ParentGate = node.GeneratedBy
	}
	if err := r.store.Record(ctx, id, rec); err != nil {
		return NewPermanentError("state write failed", err).
			WithCode(ErrCodeInternal).WithNode(id)
	}
	node.Status = NodeStatusReady
	return nil
}

// deleteNode destroys one resource and removes its state record.
func (r *Reconciler) deleteNode(ctx context.Context, runID string, addr Addr, rec ObservedState) *EngineError {
	id := addr.String()

	pr, err := r.registry.Get(addr.Type)
	if err != nil {
		return NewPermanentError("no provider for resource type", err).
			WithCode(ErrCodeValidation).WithNode(id)
	}

	inflight := rec
	inflight.Status = NodeStatusDeleting
	if storeErr := r.store.Record(ctx, id, inflight); storeErr != nil {
		return NewPermanentError("state write failed", storeErr).
			WithCode(ErrCodeInternal).WithNode(id)
	}

	if rec.ProviderID != "" {
		if _, callErr := r.withRetry(ctx, id, "delete", func() (any, error) {
			return nil, pr.Delete(ctx, provider.DeleteRequest{
				Type: addr.Type, Name: addr.Name, ProviderID: rec.ProviderID,
			})
		}); callErr != nil {
			return callErr
		}
	}

	if storeErr := r.store.Remove(ctx, id); storeErr != nil {
		return NewPermanentError("state remove failed", storeErr).
			WithCode(ErrCodeInternal).WithNode(id)
	}

	r.publish(ctx, runID, id, EventNodeDeleted, "destroyed", "info")
	return nil
}

// withRetry runs a provider call with bounded exponential backoff on
// transient failures. Exhausted retries and permanent failures surface as
// PROVIDER_REJECTED.
func (r *Reconciler) withRetry(ctx context.Context, nodeID, op string, call func() (any, error)) (any, *EngineError) {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		res, err := call()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, NewPermanentError("provider rejected call", err).
				WithCode(ErrCodeProviderRejected).WithNode(nodeID).WithOperation(op)
		}
		if attempt >= r.cfg.MaxRetries {
			break
		}

		backoff := r.retryBackoff(attempt, err)
		r.log.Warn().Str("node", nodeID).Str("operation", op).
			Int("attempt", attempt+1).Dur("backoff", backoff).Err(err).
			Msg("transient provider failure; retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, NewPermanentError("cancelled during retry backoff", ctx.Err()).
				WithCode(ErrCodeCancelled).WithNode(nodeID).WithOperation(op)
		}
	}

	return nil, NewPermanentError(
		fmt.Sprintf("transient failures exhausted %d retries", r.cfg.MaxRetries), lastErr,
	).WithCode(ErrCodeProviderRejected).WithNode(nodeID).WithOperation(op)
}

// retryBackoff computes exponential backoff; throttled errors start higher.
func (r *Reconciler) retryBackoff(attempt int, err error) time.Duration {
	base := r.cfg.RetryBaseDelay
	if IsThrottled(err) {
		base = 5 * r.cfg.RetryBaseDelay
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > r.cfg.RetryMaxDelay {
		delay = r.cfg.RetryMaxDelay
	}
	return delay
}

// publish sends a run event to the configured sink.
func (r *Reconciler) publish(ctx context.Context, runID, node, eventType, message, level string) {
	r.cfg.Events.Publish(ctx, Event{
		Timestamp: time.Now(),
		RunID:     runID,
		Node:      node,
		Type:      eventType,
		Message:   message,
		Level:     level,
	})
}

// newRunID returns a fresh run identifier.
func newRunID() string {
	return uuid.New().String()
}
