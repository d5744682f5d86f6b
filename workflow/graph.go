package workflow

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// 图构建与校验错误
var (
	ErrDuplicateNodeID     = errors.New("duplicate node id")
	ErrDuplicateEdge       = errors.New("duplicate edge")
	ErrMissingEdgeEndpoint = errors.New("missing edge endpoint")
	ErrCycleDetected       = errors.New("cycle detected")
	ErrEmptyGraph          = errors.New("graph has no nodes")
	ErrNoEntryPoint        = errors.New("graph has no entry point")
	ErrNodeNotFound        = errors.New("node not found")
	ErrGraphFrozen         = errors.New("graph is frozen")
	ErrGraphNotValidated   = errors.New("graph has not been validated")
)

// CycleError names the nodes of one cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Graph stores nodes and edges in an arena: nodes and edges live in slices in
// insertion order and every adjacency index refers to them by position.
//
// A Graph is built with AddNode/AddEdge and frozen by a successful Validate.
// A frozen graph is read-only and may be executed concurrently.
type Graph struct {
	mu     sync.RWMutex
	name   string
	nodes  []*Node
	index  map[string]int
	edges  []*Edge
	out    [][]int // node position -> positions in edges
	in     [][]int
	frozen bool
}

// NewGraph 创建空图
func NewGraph(name string) *Graph {
	return &Graph{name: name, index: make(map[string]int)}
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// AddNode adds n and returns its id. The graph is unchanged on error.
func (g *Graph) AddNode(n *Node) (string, error) {
	if n == nil || n.ID == "" {
		return "", fmt.Errorf("node id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return "", ErrGraphFrozen
	}
	if _, ok := g.index[n.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
	}
	if n.Type == "" {
		n.Type = NodeTypePassthrough
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return n.ID, nil
}

// AddEdge connects from -> to. Options mark the edge as an error path,
// optional, or conditional. The graph is unchanged on error.
func (g *Graph) AddEdge(from, to string, opts ...EdgeOption) error {
	e := &Edge{From: from, To: to}
	for _, opt := range opts {
		opt(e)
	}
	if e.When != "" {
		expr, err := CompileExpression(e.When)
		if err != nil {
			return fmt.Errorf("edge %s -> %s: %w", from, to, err)
		}
		e.when = expr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return ErrGraphFrozen
	}
	fi, ok := g.index[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingEdgeEndpoint, from)
	}
	ti, ok := g.index[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingEdgeEndpoint, to)
	}
	for _, ei := range g.out[fi] {
		if g.edges[ei].To == to {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, from, to)
		}
	}

	e.from, e.to = fi, ti
	pos := len(g.edges)
	g.edges = append(g.edges, e)
	g.out[fi] = append(g.out[fi], pos)
	g.in[ti] = append(g.in[ti], pos)
	return nil
}

// Validate checks the graph is non-empty, every edge endpoint resolves, it
// is acyclic and has an entry point. On success the graph is frozen.
// Repeated calls on an unmodified graph return the same result.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}
	for _, e := range g.edges {
		if _, ok := g.index[e.From]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingEdgeEndpoint, e.From)
		}
		if _, ok := g.index[e.To]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingEdgeEndpoint, e.To)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return &CycleError{Path: cycle}
	}
	if len(g.entries()) == 0 {
		return ErrNoEntryPoint
	}
	g.frozen = true
	return nil
}

// Frozen reports whether Validate has succeeded.
func (g *Graph) Frozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

const (
	white = iota
	gray
	black
)

// findCycle runs a three-color DFS in insertion order and returns the first
// cycle found, or nil.
func (g *Graph) findCycle() []string {
	color := make([]uint8, len(g.nodes))
	var stack []int
	var cycle []string

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, ei := range g.out[u] {
			v := g.edges[ei].to
			switch color[v] {
			case gray:
				start := len(stack) - 1
				for stack[start] != v {
					start--
				}
				for _, n := range stack[start:] {
					cycle = append(cycle, g.nodes[n].ID)
				}
				cycle = append(cycle, g.nodes[v].ID)
				return true
			case white:
				if visit(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for u := range g.nodes {
		if color[u] == white && visit(u) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) entries() []int {
	var out []int
	for i := range g.nodes {
		if len(g.in[i]) == 0 {
			out = append(out, i)
		}
	}
	return out
}

// positionHeap orders ready nodes by insertion position.
type positionHeap []int

func (h positionHeap) Len() int           { return len(h) }
func (h positionHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// TopologicalSort returns node ids in dependency order using Kahn's
// algorithm. Among nodes that are ready at the same time the earlier-added
// node comes first, so the order is reproducible.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := g.topoPositions()
	if len(order) != len(g.nodes) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = g.nodes[n].ID
	}
	return ids, nil
}

func (g *Graph) topoPositions() []int {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.in[i])
	}
	h := &positionHeap{}
	for i, d := range indeg {
		if d == 0 {
			*h = append(*h, i)
		}
	}
	heap.Init(h)

	order := make([]int, 0, len(g.nodes))
	for h.Len() > 0 {
		u := heap.Pop(h).(int)
		order = append(order, u)
		for _, ei := range g.out[u] {
			v := g.edges[ei].to
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(h, v)
			}
		}
	}
	return order
}

// Dependencies returns the ids of id's direct predecessors in edge order.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	out := make([]string, len(g.in[i]))
	for k, ei := range g.in[i] {
		out[k] = g.edges[ei].From
	}
	return out, nil
}

// Dependents returns the ids of id's direct successors in edge order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	out := make([]string, len(g.out[i]))
	for k, ei := range g.out[i] {
		out[k] = g.edges[ei].To
	}
	return out, nil
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Node(nil), g.nodes...)
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Edge(nil), g.edges...)
}

// EntryNodes returns the ids of nodes without predecessors.
func (g *Graph) EntryNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for _, i := range g.entries() {
		ids = append(ids, g.nodes[i].ID)
	}
	return ids
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
