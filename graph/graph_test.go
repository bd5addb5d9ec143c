package graph

import (
	"testing"

	"github.com/pulp-platform/bender/manifest"
)

func build(deps map[manifest.Name][]manifest.Name) *Graph {
	manifests := make(map[manifest.Name]*manifest.Manifest, len(deps))
	for name := range deps {
		manifests[name] = &manifest.Manifest{Name: name}
	}
	return New(manifests, deps)
}

func TestTopoSortOrdersDependenciesBeforeDependents(t *testing.T) {
	g := build(map[manifest.Name][]manifest.Name{
		"root": {"a", "b"},
		"a":    {"c"},
		"b":    {"c"},
		"c":    nil,
	})

	order, err := g.TopoSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := make(map[manifest.Name]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	if pos["c"] > pos["a"] || pos["c"] > pos["b"] {
		t.Errorf("expected c before both a and b, got order %v", order)
	}
	if pos["a"] > pos["root"] || pos["b"] > pos["root"] {
		t.Errorf("expected a and b before root, got order %v", order)
	}
}

func TestTopoSortBreaksTiesByName(t *testing.T) {
	g := build(map[manifest.Name][]manifest.Name{
		"z": nil,
		"y": nil,
		"x": nil,
	})
	order, err := g.TopoSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []manifest.Name{"x", "y", "z"}
	for i, n := range want {
		if order[i] != n {
			t.Errorf("order[%d] = %q, want %q (order=%v)", i, order[i], n, order)
		}
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	g := build(map[manifest.Name][]manifest.Name{
		"a": {"b"},
		"b": {"a"},
	})
	if _, err := g.TopoSort(); err == nil {
		t.Errorf("expected a cycle error")
	}
}

func TestNamesIsSorted(t *testing.T) {
	g := build(map[manifest.Name][]manifest.Name{"b": nil, "a": nil, "c": nil})
	names := g.Names()
	want := []manifest.Name{"a", "b", "c"}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestGetMissingPackage(t *testing.T) {
	g := build(map[manifest.Name][]manifest.Name{"a": nil})
	if _, ok := g.Get("nonexistent"); ok {
		t.Errorf("expected Get to report false for a missing package")
	}
}
