package cache

import "sync"

// DepGraph tracks inverse dependency edges between cache keys: for each key
// it records the set of keys that depend on it, so invalidating a key can
// cascade to its dependents.
type DepGraph struct {
	mu         sync.Mutex
	dependents map[string]map[string]struct{} // dep key -> keys depending on it
	deps       map[string][]string            // key -> its declared dependencies
}

// NewDepGraph creates an empty dependency graph.
func NewDepGraph() *DepGraph {
	return &DepGraph{
		dependents: make(map[string]map[string]struct{}),
		deps:       make(map[string][]string),
	}
}

// Register records that key depends on each of deps, replacing any edges the
// key declared before.
func (g *DepGraph) Register(key string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.removeLocked(key)
	g.deps[key] = append([]string(nil), deps...)
	for _, dep := range deps {
		set := g.dependents[dep]
		if set == nil {
			set = make(map[string]struct{})
			g.dependents[dep] = set
		}
		set[key] = struct{}{}
	}
}

// Remove drops the key's outgoing edges. Keys depending on it keep their
// edges; they are cleaned up when they are re-registered or removed.
func (g *DepGraph) Remove(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(key)
}

func (g *DepGraph) removeLocked(key string) {
	for _, dep := range g.deps[key] {
		if set := g.dependents[dep]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(g.dependents, dep)
			}
		}
	}
	delete(g.deps, key)
}

// Dependents returns the keys directly depending on key.
func (g *DepGraph) Dependents(key string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.dependents[key]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// TransitiveDependents returns every key reachable by following dependent
// edges from key, excluding key itself. A visited set guards against cycles;
// the graph is acyclic in practice but the traversal must not rely on that.
func (g *DepGraph) TransitiveDependents(key string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := map[string]bool{key: true}
	var out []string
	queue := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for dependent := range g.dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	return out
}
