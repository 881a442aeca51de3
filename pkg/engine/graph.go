package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is the dependency graph of one run. Edges point from a consuming node
// to the producing node whose output it references. The graph supports
// runtime insertion of nodes so deferred fan-out can re-link mid-run.
type Graph struct {
	mu sync.RWMutex

	// nodes maps node IDs to their resource nodes.
	nodes map[string]*ResourceNode

	// preds maps a consumer to the producers it depends on.
	preds map[string]map[string]struct{}

	// deps maps a producer to the consumers that depend on it.
	deps map[string]map[string]struct{}

	// order is the deterministic topological order of the initial node set.
	order []string

	// nextDecl is the declaration counter for runtime-inserted nodes.
	nextDecl int
}

// GraphBuilder derives ordering constraints from cross-node attribute
// references and produces a validated acyclic Graph.
type GraphBuilder struct{}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// Build constructs the dependency graph from the desired node set.
// It validates addresses and references, detects cycles, and computes a
// deterministic topological order (declaration order breaks ties).
func (b *GraphBuilder) Build(nodes []*ResourceNode) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*ResourceNode, len(nodes)),
		preds: make(map[string]map[string]struct{}, len(nodes)),
		deps:  make(map[string]map[string]struct{}, len(nodes)),
	}

	// First pass: index nodes, assign declaration order.
	for i, node := range nodes {
		if err := node.Validate(); err != nil {
			return nil, err
		}
		id := node.ID()
		if _, exists := g.nodes[id]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate node address: %s", id), nil).
				WithCode(ErrCodeValidation)
		}
		node.DeclOrder = i
		node.Status = NodeStatusPending
		g.nodes[id] = node
		g.preds[id] = make(map[string]struct{})
		g.deps[id] = make(map[string]struct{})
	}
	g.nextDecl = len(nodes)

	// Second pass: edges from attribute references and expansion sources.
	for id, node := range g.nodes {
		for _, ref := range FindReferences(node.Attrs) {
			if err := g.link(id, ref.Producer.String()); err != nil {
				return nil, err
			}
		}
		if node.Expand != nil {
			src := node.Expand.Source.String()
			if err := g.link(id, src); err != nil {
				return nil, err
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("dependency cycle: %s", joinAddrs(cycle)),
			nil,
		).WithCode(ErrCodeCyclicDependency)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// link records that consumer depends on producer. The producer must exist.
func (g *Graph) link(consumer, producer string) error {
	if _, exists := g.nodes[producer]; !exists {
		return NewPermanentError(
			fmt.Sprintf("node %s references undeclared node %s", consumer, producer),
			nil,
		).WithCode(ErrCodeUnresolvedReference).WithNode(consumer)
	}
	if consumer == producer {
		return NewPermanentError(
			fmt.Sprintf("dependency cycle: %s", joinAddrs([]string{consumer, consumer})),
			nil,
		).WithCode(ErrCodeCyclicDependency)
	}
	g.preds[consumer][producer] = struct{}{}
	g.deps[producer][consumer] = struct{}{}
	return nil
}

// findCycle returns the node IDs participating in a dependency cycle, or nil.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, producer := range g.sortedSet(g.preds[id]) {
			if onStack[producer] {
				// Slice out the cycle segment, closing it on the repeated node.
				start := 0
				for i, p := range path {
					if p == producer {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), producer)
				return true
			}
			if !visited[producer] && visit(producer) {
				return true
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return false
	}

	for _, id := range g.declOrderIDs() {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

// topoSort computes Kahn's algorithm over the graph. Nodes with no remaining
// unresolved predecessors are emitted in declaration order so identical input
// yields identical plans.
func (g *Graph) topoSort() ([]string, error) {
	remaining := make(map[string]int, len(g.nodes))
	for id, producers := range g.preds {
		remaining[id] = len(producers)
	}

	frontier := make([]string, 0)
	for _, id := range g.declOrderIDs() {
		if remaining[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return g.nodes[frontier[i]].DeclOrder < g.nodes[frontier[j]].DeclOrder
		})

		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		for _, consumer := range g.sortedSet(g.deps[id]) {
			remaining[consumer]--
			if remaining[consumer] == 0 {
				frontier = append(frontier, consumer)
			}
		}
	}

	// Unreachable if findCycle ran first; guards runtime insertion bugs.
	if len(order) != len(g.nodes) {
		return nil, NewPermanentError("topological sort did not cover all nodes", nil).
			WithCode(ErrCodeInternal)
	}

	return order, nil
}

// TopoOrder returns the deterministic topological order of the node set at
// build time. Runtime-inserted children are scheduled dynamically and do not
// appear here.
func (g *Graph) TopoOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*ResourceNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes currently in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Predecessors returns the producer IDs the given node depends on.
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedSet(g.preds[id])
}

// Dependents returns the consumer IDs that depend on the given node.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedSet(g.deps[id])
}

// TransitiveDependents returns every node reachable downstream of id.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	queue := g.sortedSet(g.deps[id])
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		out = append(out, next)
		queue = append(queue, g.sortedSet(g.deps[next])...)
	}
	sort.Strings(out)
	return out
}

// InsertChildren adds fan-out children generated for the gate node mid-run.
// Each child may reference already-declared nodes; additionally the gate is
// re-linked to depend on every child so it completes only after all children.
// A child referencing the gate itself would close a cycle and is rejected.
func (g *Graph) InsertChildren(gateID string, children []*ResourceNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[gateID]; !ok {
		return NewPermanentError(fmt.Sprintf("unknown fan-out gate %s", gateID), nil).
			WithCode(ErrCodeInternal)
	}

	for _, child := range children {
		if err := child.Validate(); err != nil {
			return err
		}
		id := child.ID()
		if _, exists := g.nodes[id]; exists {
			return NewPermanentError(fmt.Sprintf("fan-out child collides with node %s", id), nil).
				WithCode(ErrCodeValidation).WithNode(gateID)
		}
		child.DeclOrder = g.nextDecl
		g.nextDecl++
		child.Status = NodeStatusPending
		child.GeneratedBy = gateID
		g.nodes[id] = child
		g.preds[id] = make(map[string]struct{})
		g.deps[id] = make(map[string]struct{})
	}

	for _, child := range children {
		id := child.ID()
		for _, ref := range FindReferences(child.Attrs) {
			producer := ref.Producer.String()
			if producer == gateID {
				return NewPermanentError(
					fmt.Sprintf("fan-out child %s references its own gate %s", id, gateID),
					nil,
				).WithCode(ErrCodeCyclicDependency)
			}
			if _, exists := g.nodes[producer]; !exists {
				return NewPermanentError(
					fmt.Sprintf("node %s references undeclared node %s", id, producer),
					nil,
				).WithCode(ErrCodeUnresolvedReference).WithNode(id)
			}
			g.preds[id][producer] = struct{}{}
			g.deps[producer][id] = struct{}{}
		}

		// Gate waits for the child.
		g.preds[gateID][id] = struct{}{}
		g.deps[id][gateID] = struct{}{}
	}

	return nil
}

// declOrderIDs returns all node IDs sorted by declaration order.
func (g *Graph) declOrderIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.nodes[ids[i]].DeclOrder < g.nodes[ids[j]].DeclOrder
	})
	return ids
}

// sortedSet returns the members of a string set in lexical order.
func (g *Graph) sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
