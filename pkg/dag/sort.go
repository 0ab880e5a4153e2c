// Package dag executes environment runs over the module dependency graph:
// topological ordering, frontier scheduling, failure skip propagation, and
// aggregate status.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/butlerhq/butler-registry/pkg/store"
)

// ErrDependencyCycle is returned when the edge set is not a DAG.
var ErrDependencyCycle = errors.New("dependency cycle")

// graph is the adjacency view of an environment's modules.
type graph struct {
	modules map[string]*store.Module
	// upstreams[m] = modules m depends on; downstreams is the reverse.
	upstreams   map[string][]string
	downstreams map[string][]string
}

func buildGraph(modules []*store.Module, deps []*store.ModuleDependency) *graph {
	g := &graph{
		modules:     make(map[string]*store.Module, len(modules)),
		upstreams:   make(map[string][]string),
		downstreams: make(map[string][]string),
	}
	for _, m := range modules {
		g.modules[m.ID] = m
	}
	for _, d := range deps {
		if _, ok := g.modules[d.ModuleID]; !ok {
			continue
		}
		if _, ok := g.modules[d.DependsOnID]; !ok {
			continue
		}
		g.upstreams[d.ModuleID] = append(g.upstreams[d.ModuleID], d.DependsOnID)
		g.downstreams[d.DependsOnID] = append(g.downstreams[d.DependsOnID], d.ModuleID)
	}
	return g
}

// roots returns modules with no upstreams, sorted by id.
func (g *graph) roots() []string {
	var out []string
	for id := range g.modules {
		if len(g.upstreams[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// TopoSort orders module ids with Kahn's algorithm. Ties within a frontier
// are broken by module id so the order is reproducible. A cycle yields
// ErrDependencyCycle.
func TopoSort(modules []*store.Module, deps []*store.ModuleDependency) ([]string, error) {
	g := buildGraph(modules, deps)

	indeg := make(map[string]int, len(g.modules))
	for id := range g.modules {
		indeg[id] = len(g.upstreams[id])
	}

	frontier := g.roots()
	var order []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for _, down := range g.downstreams[id] {
			indeg[down]--
			if indeg[down] == 0 {
				released = append(released, down)
			}
		}
		sort.Strings(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(g.modules) {
		return nil, fmt.Errorf("%w: %d of %d modules orderable", ErrDependencyCycle, len(order), len(g.modules))
	}
	return order, nil
}

// transitiveDownstream collects every module reachable from start along
// downstream edges, breadth-first, start excluded. Sorted by id.
func (g *graph) transitiveDownstream(start string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, down := range g.downstreams[id] {
			if seen[down] {
				continue
			}
			seen[down] = true
			out = append(out, down)
			queue = append(queue, down)
		}
	}
	sort.Strings(out)
	return out
}
