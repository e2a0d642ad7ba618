package graph

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// randomDAG draws a dependency graph where every task may depend on up to
// three earlier tasks, so the result is acyclic by construction.
func randomDAG(rt *rapid.T, g *DependencyGraph) (ids []string, depsOf map[string][]string) {
	n := rapid.IntRange(1, 40).Draw(rt, "taskCount")
	depsOf = make(map[string][]string, n)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("task-%02d", i)
		var deps []string
		if i > 0 {
			count := rapid.IntRange(0, min(i, 3)).Draw(rt, fmt.Sprintf("depCount-%d", i))
			picked := make(map[string]struct{}, count)
			for len(picked) < count {
				dep := ids[rapid.IntRange(0, i-1).Draw(rt, fmt.Sprintf("dep-%d-%d", i, len(picked)))]
				picked[dep] = struct{}{}
			}
			for dep := range picked {
				deps = append(deps, dep)
			}
		}
		if err := g.AddTask(id, deps); err != nil {
			rt.Fatalf("AddTask(%s, %v) failed: %v", id, deps, err)
		}
		ids = append(ids, id)
		depsOf[id] = deps
	}
	return ids, depsOf
}

func TestTopologicalSortOrdersDependenciesFirst(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := New()
		ids, depsOf := randomDAG(rt, g)

		order, err := g.TopologicalSort()
		if err != nil {
			rt.Fatalf("TopologicalSort failed on acyclic graph: %v", err)
		}
		if len(order) != len(ids) {
			rt.Fatalf("order has %d entries, want %d", len(order), len(ids))
		}

		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for id, deps := range depsOf {
			for _, dep := range deps {
				if pos[dep] >= pos[id] {
					rt.Fatalf("dependency %s ordered after %s", dep, id)
				}
			}
		}

		if g.HasCycle() {
			rt.Fatal("acyclic construction reported a cycle")
		}
	})
}

func TestCompletionOnlyPromotesSatisfiedTasks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := New()
		ids, depsOf := randomDAG(rt, g)

		completed := make(map[string]struct{}, len(ids))
		for g.Size() > 0 {
			ready := g.Ready()
			if len(ready) == 0 {
				rt.Fatalf("graph stalled with %d nodes and nothing ready", g.Size())
			}

			pick := ready[rapid.IntRange(0, len(ready)-1).Draw(rt, "pick")]
			for _, dep := range depsOf[pick] {
				if _, done := completed[dep]; !done {
					rt.Fatalf("task %s became ready before dependency %s completed", pick, dep)
				}
			}

			if _, err := g.MarkCompleted(pick); err != nil {
				rt.Fatalf("MarkCompleted(%s) failed: %v", pick, err)
			}
			completed[pick] = struct{}{}
		}

		if len(completed) != len(ids) {
			rt.Fatalf("completed %d of %d tasks", len(completed), len(ids))
		}
	})
}
