// Package graph builds the final dependency DAG from a resolver.Result
// and topologically sorts it (spec §4.D). Modeled as an arena of package
// records plus a name->index map, the same shape as the teacher's typed
// radix-tree wrappers in typed_radix.go (an arena keyed by a fast lookup
// structure, rather than scattered pointer-linked nodes).
package graph

import (
	"sort"

	"github.com/pulp-platform/bender/berrors"
	"github.com/pulp-platform/bender/manifest"
)

// Package is one arena record: a resolved package plus its declared
// dependency names, in manifest declaration order.
type Package struct {
	Name         manifest.Name
	Manifest     *manifest.Manifest
	Dependencies []manifest.Name
}

// Graph is the arena of every resolved package, indexed by name for O(1)
// lookup (spec §4.D "Packages graph").
type Graph struct {
	records []Package
	index   map[manifest.Name]int
}

// New builds a Graph from a name->manifest map and a name->declared-deps
// map (the shape resolver.Result already produces).
func New(manifests map[manifest.Name]*manifest.Manifest, dependencies map[manifest.Name][]manifest.Name) *Graph {
	g := &Graph{index: make(map[manifest.Name]int, len(manifests))}
	names := make([]manifest.Name, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, name := range names {
		g.index[name] = len(g.records)
		g.records = append(g.records, Package{
			Name:         name,
			Manifest:     manifests[name],
			Dependencies: dependencies[name],
		})
	}
	return g
}

// Get returns the record for name, if present.
func (g *Graph) Get(name manifest.Name) (Package, bool) {
	i, ok := g.index[name]
	if !ok {
		return Package{}, false
	}
	return g.records[i], true
}

// Len returns the number of packages in the graph.
func (g *Graph) Len() int { return len(g.records) }

// Names returns every package name in the graph, sorted.
func (g *Graph) Names() []manifest.Name {
	names := make([]manifest.Name, len(g.records))
	for i, rec := range g.records {
		names[i] = rec.Name
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// TopoSort returns every package name in dependency order - a package
// always appears before its dependents - with ties (packages with no
// ordering constraint between them) broken by name (spec §4.D
// "topological sort, ties broken by name", I7).
func (g *Graph) TopoSort() ([]manifest.Name, error) {
	const (
		white = iota // unvisited
		gray         // on the current DFS stack
		black        // finished
	)
	color := make(map[manifest.Name]int, len(g.records))
	var out []manifest.Name
	var stack []manifest.Name

	// Children sorted by name up front so that when multiple orderings
	// are valid, the one chosen is deterministic and alphabetical.
	sortedDeps := make(map[manifest.Name][]manifest.Name, len(g.records))
	for _, rec := range g.records {
		deps := append([]manifest.Name(nil), rec.Dependencies...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		sortedDeps[rec.Name] = deps
	}

	var visit func(name manifest.Name) error
	visit = func(name manifest.Name) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			full := append(append([]manifest.Name(nil), stack...), name)
			strs := make([]string, len(full))
			for i, n := range full {
				strs[i] = string(n)
			}
			return &berrors.CycleError{Path: strs}
		}

		color[name] = gray
		stack = append(stack, name)
		for _, dep := range sortedDeps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		out = append(out, name)
		return nil
	}

	names := make([]manifest.Name, len(g.records))
	for i, rec := range g.records {
		names[i] = rec.Name
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return out, nil
}
