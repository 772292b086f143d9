// Package dag provides the directed acyclic graph used to order recipe
// tasks. Nodes are keyed by task name; an edge from a parent to a child
// means the child consumes the parent's output.
package dag

import (
	"fmt"
	"sort"
)

// Node is a named vertex carrying a value.
type Node[T any] struct {
	ID    string
	Value T
}

// Graph is a directed graph that refuses self loops. Cycles are detected on
// demand by HasCycle and by the ordering methods.
type Graph[T any] struct {
	nodes    map[string]*Node[T]
	children map[string][]string
	parents  map[string][]string
}

// New creates an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{
		nodes:    make(map[string]*Node[T]),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// AddNode adds a node, replacing the value of an existing one.
func (g *Graph[T]) AddNode(id string, value T) {
	if n, ok := g.nodes[id]; ok {
		n.Value = value
		return
	}
	g.nodes[id] = &Node[T]{ID: id, Value: value}
	g.children[id] = nil
	g.parents[id] = nil
}

// AddEdge records that child depends on parent.
func (g *Graph[T]) AddEdge(parent, child string) error {
	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("parent node %q does not exist", parent)
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("child node %q does not exist", child)
	}
	if parent == child {
		return fmt.Errorf("self-loop detected: %s", parent)
	}
	if !contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
	return nil
}

// Node returns a node by ID.
func (g *Graph[T]) Node(id string) (*Node[T], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Parents returns the direct dependencies of a node.
func (g *Graph[T]) Parents(id string) []string { return g.parents[id] }

// Children returns the direct dependents of a node.
func (g *Graph[T]) Children(id string) []string { return g.children[id] }

// Nodes returns all nodes sorted by ID.
func (g *Graph[T]) Nodes() []*Node[T] {
	nodes := make([]*Node[T], 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of nodes.
func (g *Graph[T]) Len() int { return len(g.nodes) }

func (g *Graph[T]) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasCycle reports whether the graph contains a cycle and returns one,
// starting and ending with the same node.
func (g *Graph[T]) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	from := make(map[string]string)
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, child := range g.children[id] {
			if !visited[child] {
				from[child] = id
				if dfs(child) {
					return true
				}
				continue
			}
			if onStack[child] {
				cycle = []string{child}
				for cur := id; cur != child; cur = from[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				cycle = append([]string{child}, cycle...)
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] && dfs(id) {
			return true, cycle
		}
	}
	return false, nil
}

// TopologicalSort returns the nodes with every parent before its children.
func (g *Graph[T]) TopologicalSort() ([]*Node[T], error) {
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, fmt.Errorf("cycle detected: %v", path)
	}
	visited := make(map[string]bool)
	var out []*Node[T]
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, p := range g.parents[id] {
			visit(p)
		}
		out = append(out, g.nodes[id])
	}
	for _, id := range g.sortedIDs() {
		visit(id)
	}
	return out, nil
}

// Levels groups node IDs by depth. Nodes of one level only depend on
// nodes of earlier levels.
func (g *Graph[T]) Levels() ([][]string, error) {
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, fmt.Errorf("cycle detected: %v", path)
	}
	depth := make(map[string]int, len(g.nodes))
	var level func(id string) int
	level = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, p := range g.parents[id] {
			if pd := level(p) + 1; pd > d {
				d = pd
			}
		}
		depth[id] = d
		return d
	}
	maxDepth := -1
	for id := range g.nodes {
		if d := level(id); d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+1)
	for id, d := range depth {
		levels[d] = append(levels[d], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// Upstream returns every node the given nodes depend on, directly or
// indirectly, excluding the given nodes unless they are reachable.
func (g *Graph[T]) Upstream(ids ...string) []string {
	return g.walk(ids, g.parents)
}

// Downstream returns every node depending on the given nodes, directly or
// indirectly.
func (g *Graph[T]) Downstream(ids ...string) []string {
	return g.walk(ids, g.children)
}

func (g *Graph[T]) walk(ids []string, next map[string][]string) []string {
	seen := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		for _, n := range next[id] {
			if !seen[n] {
				seen[n] = true
				mark(n)
			}
		}
	}
	for _, id := range ids {
		mark(id)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Roots returns the nodes without parents.
func (g *Graph[T]) Roots() []string {
	var roots []string
	for _, id := range g.sortedIDs() {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns the nodes no other node depends on.
func (g *Graph[T]) Leaves() []string {
	var leaves []string
	for _, id := range g.sortedIDs() {
		if len(g.children[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Subgraph returns the graph induced by the given nodes.
func (g *Graph[T]) Subgraph(ids []string) *Graph[T] {
	sub := New[T]()
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			keep[id] = true
			sub.AddNode(id, n.Value)
		}
	}
	for id := range keep {
		for _, child := range g.children[id] {
			if keep[child] {
				_ = sub.AddEdge(id, child)
			}
		}
	}
	return sub
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
