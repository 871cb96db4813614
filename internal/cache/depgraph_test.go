package cache

import (
	"sort"
	"testing"
)

// TestTransitiveDependents verifies the A <- B <- C cascade: invalidating A
// must reach B and C and nothing else.
func TestTransitiveDependents(t *testing.T) {
	g := NewDepGraph()
	g.Register("documents:B", []string{"documents:A"})
	g.Register("documents:C", []string{"documents:B"})
	g.Register("documents:D", []string{"documents:other"})

	got := g.TransitiveDependents("documents:A")
	sort.Strings(got)
	want := []string{"documents:B", "documents:C"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// TestTransitiveDependentsCycle verifies the traversal terminates on cycles.
func TestTransitiveDependentsCycle(t *testing.T) {
	g := NewDepGraph()
	g.Register("a", []string{"b"})
	g.Register("b", []string{"a"})

	got := g.TransitiveDependents("a")
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("expected exactly [b], got %v", got)
	}
}

// TestRegisterReplacesEdges verifies re-registering a key drops old edges.
func TestRegisterReplacesEdges(t *testing.T) {
	g := NewDepGraph()
	g.Register("child", []string{"old-parent"})
	g.Register("child", []string{"new-parent"})

	if deps := g.Dependents("old-parent"); len(deps) != 0 {
		t.Errorf("expected old edge to be dropped, got %v", deps)
	}
	if deps := g.Dependents("new-parent"); len(deps) != 1 || deps[0] != "child" {
		t.Errorf("expected child to depend on new-parent, got %v", deps)
	}
}

// TestRemoveClearsEdges verifies removal detaches a key from its dependencies.
func TestRemoveClearsEdges(t *testing.T) {
	g := NewDepGraph()
	g.Register("child", []string{"parent"})
	g.Remove("child")

	if deps := g.Dependents("parent"); len(deps) != 0 {
		t.Errorf("expected no dependents after removal, got %v", deps)
	}
}
