// Package graph builds a dependency DAG over a rule registry: validates
// deps, rejects cycles, and computes a deterministic topological order.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spacesbuild/spaces/internal/registry"
	"github.com/spacesbuild/spaces/internal/taxonomy"
	"github.com/spacesbuild/spaces/internal/util"
)

// suggestionMaxDistance bounds how close an unknown target's nearest
// known name must be before it's offered as a suggestion (spec.md §4.5:
// "≤ 3 edits").
const suggestionMaxDistance = 3

// Graph is an immutable snapshot of a registry's dependency structure,
// built once after evaluation and frozen for the run phase.
type Graph struct {
	rules   map[string]registry.Rule
	order   []string // registration order, used as the topological tie-breaker
	edges   map[string][]string // dep -> dependents
	indeg   map[string]int
}

// Build validates every rule's deps exist and the graph is acyclic, and
// returns a Graph ready for topological traversal.
func Build(reg *registry.Registry) (*Graph, error) {
	rules := reg.All()
	names := reg.Names()

	byName := make(map[string]registry.Rule, len(rules))
	for _, r := range rules {
		byName[r.QualifiedName] = r
	}

	g := &Graph{
		rules: byName,
		order: names,
		edges: make(map[string][]string),
		indeg: make(map[string]int),
	}
	for _, n := range names {
		g.indeg[n] = 0
	}

	for _, r := range rules {
		for _, dep := range r.Deps {
			if _, ok := byName[dep]; !ok {
				suggestion := util.ClosestMatch(dep, names, suggestionMaxDistance)
				msg := fmt.Sprintf("%q referenced by %q does not exist", dep, r.QualifiedName)
				if suggestion != "" {
					msg = fmt.Sprintf("%s (did you mean %q?)", msg, suggestion)
				}
				return nil, taxonomy.New(taxonomy.KindUnknownTarget, msg)
			}
			g.edges[dep] = append(g.edges[dep], r.QualifiedName)
			g.indeg[r.QualifiedName]++
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, taxonomy.New(taxonomy.KindCycleDetected, strings.Join(cycle, " → "))
	}

	return g, nil
}

// Rule returns the rule for a qualified name.
func (g *Graph) Rule(name string) (registry.Rule, bool) {
	r, ok := g.rules[name]
	return r, ok
}

// Deps returns the direct dependencies of name.
func (g *Graph) Deps(name string) []string {
	r, ok := g.rules[name]
	if !ok {
		return nil
	}
	return r.Deps
}

// TransitiveClosure returns the set of qualified names reachable by
// following deps from any of roots, including the roots themselves.
func (g *Graph) TransitiveClosure(roots []string) map[string]bool {
	visited := make(map[string]bool)
	var visit func(string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range g.rules[name].Deps {
			visit(dep)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return visited
}

// TopologicalOrder returns all rule names in a deterministic topological
// order: Kahn's algorithm with registration order as the tie-breaker
// among nodes that become ready simultaneously, per spec.md §8
// ("Determinism").
func (g *Graph) TopologicalOrder() []string {
	indeg := make(map[string]int, len(g.indeg))
	for k, v := range g.indeg {
		indeg[k] = v
	}

	rank := make(map[string]int, len(g.order))
	for i, n := range g.order {
		rank[n] = i
	}

	var ready []string
	for _, n := range g.order {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}

	var out []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return rank[ready[i]] < rank[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)

		for _, dependent := range g.edges[next] {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return out
}

// findCycle returns the qualified names forming a cycle, or nil if the
// graph is acyclic. Uses three-color DFS so the reported cycle is a real
// loop, not just "some cycle exists somewhere".
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(string) []string
	visit = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)

		for _, dep := range g.rules[name].Deps {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cyc := append([]string{}, stack[start:]...)
				return append(cyc, dep)
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, n := range g.order {
		if color[n] == white {
			if cyc := visit(n); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
