// Package graph provides the dependency graph underlying task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// NodeStatus represents the lifecycle state of a graph node.
type NodeStatus string

const (
	// NodePending indicates the node has unmet dependencies.
	NodePending NodeStatus = "pending"
	// NodeReady indicates every dependency of the node is completed.
	NodeReady NodeStatus = "ready"
	// NodeRunning indicates the node's task is executing.
	NodeRunning NodeStatus = "running"
	// NodeFailed indicates the node's task failed terminally.
	NodeFailed NodeStatus = "failed"
)

// node is a single task entry with its remaining dependency edges.
type node struct {
	id         string
	deps       map[string]struct{}
	dependents map[string]struct{}
	status     NodeStatus
}

// DependencyGraph is a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it is blocked by. Completed tasks
// leave the graph; their IDs are retained in a completed set so late
// arrivals may depend on them.
type DependencyGraph struct {
	mu        sync.RWMutex
	nodes     map[string]*node
	completed map[string]struct{}
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*node),
		completed: make(map[string]struct{}),
	}
}

// AddTask registers a task and its dependency edges. Every dependency must
// be either a live node or already completed; otherwise the task is
// rejected with a DependencyError and the graph is left unchanged.
func (g *DependencyGraph) AddTask(taskID string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[taskID]; exists {
		return fmt.Errorf("task %s is already in the graph", taskID)
	}
	if _, done := g.completed[taskID]; done {
		return fmt.Errorf("task %s was already completed", taskID)
	}

	var missing []string
	for _, depID := range deps {
		if depID == taskID {
			return ErrCycleDetected
		}
		_, live := g.nodes[depID]
		_, done := g.completed[depID]
		if !live && !done {
			missing = append(missing, depID)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &models.DependencyError{TaskID: taskID, Missing: missing}
	}

	n := &node{
		id:         taskID,
		deps:       make(map[string]struct{}),
		dependents: make(map[string]struct{}),
	}
	for _, depID := range deps {
		if _, done := g.completed[depID]; done {
			continue
		}
		n.deps[depID] = struct{}{}
		g.nodes[depID].dependents[taskID] = struct{}{}
	}

	if len(n.deps) == 0 {
		n.status = NodeReady
	} else {
		n.status = NodePending
	}
	g.nodes[taskID] = n
	return nil
}

// Build registers a batch of tasks at once. Dependencies may reference
// other tasks in the same batch regardless of order. The batch is staged
// and committed only if every dependency resolves and no cycle forms, so
// a failed Build leaves the graph unchanged.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	staged := make(map[string]*node, len(tasks))
	for _, task := range tasks {
		if _, exists := g.nodes[task.ID]; exists {
			return fmt.Errorf("task %s is already in the graph", task.ID)
		}
		if _, dup := staged[task.ID]; dup {
			return fmt.Errorf("task %s appears twice in the batch", task.ID)
		}
		if _, done := g.completed[task.ID]; done {
			return fmt.Errorf("task %s was already completed", task.ID)
		}
		staged[task.ID] = &node{
			id:         task.ID,
			deps:       make(map[string]struct{}),
			dependents: make(map[string]struct{}),
		}
	}

	for _, task := range tasks {
		var missing []string
		for _, depID := range task.DependsOn {
			if _, done := g.completed[depID]; done {
				continue
			}
			_, live := g.nodes[depID]
			_, inBatch := staged[depID]
			if !live && !inBatch {
				missing = append(missing, depID)
				continue
			}
			staged[task.ID].deps[depID] = struct{}{}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &models.DependencyError{TaskID: task.ID, Missing: missing}
		}
	}

	// Wire dependent edges and commit, then verify acyclicity; roll the
	// staged nodes back out if a cycle slipped in.
	for id, n := range staged {
		g.nodes[id] = n
	}
	for id, n := range staged {
		for depID := range n.deps {
			g.nodes[depID].dependents[id] = struct{}{}
		}
	}
	if cycles := g.detectCyclesLocked(); len(cycles) > 0 {
		for id, n := range staged {
			for depID := range n.deps {
				if _, wasStaged := staged[depID]; !wasStaged {
					delete(g.nodes[depID].dependents, id)
				}
			}
			delete(g.nodes, id)
		}
		return ErrCycleDetected
	}

	for _, n := range staged {
		if len(n.deps) == 0 {
			n.status = NodeReady
		} else {
			n.status = NodePending
		}
	}
	return nil
}

// MarkRunning transitions a ready node to running.
func (g *DependencyGraph) MarkRunning(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return &models.TaskError{TaskID: taskID, Op: "run", Reason: "not in graph"}
	}
	if n.status != NodeReady && n.status != NodeRunning {
		return &models.TaskError{TaskID: taskID, Op: "run", Reason: fmt.Sprintf("node is %s, not ready", n.status)}
	}
	n.status = NodeRunning
	return nil
}

// MarkReady returns a node to the ready set, or to pending when it
// still has unsatisfied dependencies. Used when a running task is
// handed back for another attempt.
func (g *DependencyGraph) MarkReady(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return &models.TaskError{TaskID: taskID, Op: "requeue", Reason: "not in graph"}
	}
	if n.status == NodeFailed {
		return &models.TaskError{TaskID: taskID, Op: "requeue", Reason: "node is failed"}
	}
	if len(n.deps) == 0 {
		n.status = NodeReady
	} else {
		n.status = NodePending
	}
	return nil
}

// MarkCompleted records a task as done, removes its node, rewires the
// dependency edges of its dependents, and returns the IDs of dependents
// that became ready as a result.
func (g *DependencyGraph) MarkCompleted(taskID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return nil, &models.TaskError{TaskID: taskID, Op: "complete", Reason: "not in graph"}
	}

	var ready []string
	for depID := range n.dependents {
		dependent := g.nodes[depID]
		delete(dependent.deps, taskID)
		if len(dependent.deps) == 0 && dependent.status == NodePending {
			dependent.status = NodeReady
			ready = append(ready, depID)
		}
	}
	for depID := range n.deps {
		delete(g.nodes[depID].dependents, taskID)
	}

	delete(g.nodes, taskID)
	g.completed[taskID] = struct{}{}

	sort.Strings(ready)
	return ready, nil
}

// MarkFailed marks a node failed and returns the full transitive closure
// of its dependents, depth first. The dependents stay in the graph; the
// caller decides whether to cancel and remove them.
func (g *DependencyGraph) MarkFailed(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return nil
	}
	n.status = NodeFailed

	return g.dependentsClosureLocked(taskID)
}

// TransitiveDependents returns the full closure of tasks downstream of
// taskID without changing any node.
func (g *DependencyGraph) TransitiveDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsClosureLocked(taskID)
}

// dependentsClosureLocked walks the dependents relation depth first and
// returns every reachable task ID, sorted.
func (g *DependencyGraph) dependentsClosureLocked(taskID string) []string {
	seen := map[string]struct{}{taskID: {}}
	var closure []string
	var visit func(id string)
	visit = func(id string) {
		current, ok := g.nodes[id]
		if !ok {
			return
		}
		for depID := range current.dependents {
			if _, dup := seen[depID]; dup {
				continue
			}
			seen[depID] = struct{}{}
			closure = append(closure, depID)
			visit(depID)
		}
	}
	visit(taskID)

	sort.Strings(closure)
	return closure
}

// Remove deletes a node and detaches its edges without recording it as
// completed. Used when a task is cancelled.
func (g *DependencyGraph) Remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return
	}
	for depID := range n.deps {
		delete(g.nodes[depID].dependents, taskID)
	}
	for depID := range n.dependents {
		delete(g.nodes[depID].deps, taskID)
	}
	delete(g.nodes, taskID)
}

// Ready returns the IDs of nodes whose dependencies are all satisfied and
// that have not started running.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, n := range g.nodes {
		if n.status == NodeReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Completed returns the IDs of all tasks recorded as completed.
func (g *DependencyGraph) Completed() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.completed))
	for id := range g.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForgetCompleted drops a task from the completed set. Later
// submissions may no longer depend on it. Used to bound the completed
// history.
func (g *DependencyGraph) ForgetCompleted(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.completed, taskID)
}

// Contains returns true if the task is a live node in the graph.
func (g *DependencyGraph) Contains(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.nodes[taskID]
	return exists
}

// IsCompleted returns true if the task was marked completed.
func (g *DependencyGraph) IsCompleted(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, done := g.completed[taskID]
	return done
}

// Status returns the node status for a live task.
func (g *DependencyGraph) Status(taskID string) (NodeStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, exists := g.nodes[taskID]
	if !exists {
		return "", false
	}
	return n.status, true
}

// Size returns the number of live nodes in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns a copy of the unmet dependency IDs of a task.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return nil
	}
	return sortedKeys(n.deps)
}

// Dependents returns a copy of the direct dependent IDs of a task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return nil
	}
	return sortedKeys(n.dependents)
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.detectCyclesLocked()) > 0
}

// DetectCycles returns every distinct dependency cycle in the graph. Each
// cycle is reported as the ordered list of task IDs along it, rotated so
// the smallest ID comes first.
func (g *DependencyGraph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCyclesLocked()
}

// detectCyclesLocked runs DFS with an explicit recursion stack so the
// cycle path can be reconstructed when a back edge is found.
func (g *DependencyGraph) detectCyclesLocked() [][]string {
	// Color states: 0 = unvisited, 1 = on the current path, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	seen := make(map[string]struct{})
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = 1
		stack = append(stack, id)

		for depID := range g.nodes[id].deps {
			switch colors[depID] {
			case 1:
				// Back edge: the cycle is the stack segment from depID.
				start := 0
				for i, sid := range stack {
					if sid == depID {
						start = i
						break
					}
				}
				cycle := canonicalCycle(stack[start:])
				key := strings.Join(cycle, ",")
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					cycles = append(cycles, cycle)
				}
			case 0:
				visit(depID)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
	}

	for _, id := range sortedNodeIDs(g.nodes) {
		if colors[id] == 0 {
			visit(id)
		}
	}
	return cycles
}

// canonicalCycle rotates a cycle path so its smallest ID comes first,
// giving a stable representation for deduplication.
func canonicalCycle(path []string) []string {
	out := append([]string(nil), path...)
	min := 0
	for i, id := range out {
		if id < out[min] {
			min = i
		}
	}
	rotated := make([]string, 0, len(out))
	rotated = append(rotated, out[min:]...)
	rotated = append(rotated, out[:min]...)
	return rotated
}

// TopologicalSort returns task IDs ordered so every dependency comes
// before its dependents. Returns nil with ErrCycleDetected if the graph
// has a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.detectCyclesLocked()) > 0 {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for depID := range g.nodes[id].deps {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range sortedNodeIDs(g.nodes) {
		visit(id)
	}
	return result, nil
}

// FindCriticalPath returns the longest dependency chain from any source
// (no dependencies) to any sink (no dependents), walking the DAG in
// breadth-first waves. Returns nil if the graph is empty or cyclic.
func (g *DependencyGraph) FindCriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 || len(g.detectCyclesLocked()) > 0 {
		return nil
	}

	// Kahn-style BFS: relax distances wave by wave so each node's
	// longest distance from a source is final when it is dequeued.
	indegree := make(map[string]int, len(g.nodes))
	dist := make(map[string]int, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))

	var queue []string
	for _, id := range sortedNodeIDs(g.nodes) {
		indegree[id] = len(g.nodes[id].deps)
		if indegree[id] == 0 {
			dist[id] = 1
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for depID := range g.nodes[id].dependents {
			if dist[id]+1 > dist[depID] {
				dist[depID] = dist[id] + 1
				prev[depID] = id
			}
			indegree[depID]--
			if indegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	var end string
	for _, id := range sortedNodeIDs(g.nodes) {
		if end == "" || dist[id] > dist[end] {
			end = id
		}
	}

	path := []string{end}
	for {
		p, ok := prev[path[0]]
		if !ok {
			break
		}
		path = append([]string{p}, path...)
	}
	return path
}

// ToDot renders the graph in Graphviz dot format for diagnostics.
func (g *DependencyGraph) ToDot() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	b.WriteString("digraph dependencies {\n")
	for _, id := range sortedNodeIDs(g.nodes) {
		n := g.nodes[id]
		fmt.Fprintf(&b, "  %q [label=%q];\n", id, fmt.Sprintf("%s (%s)", id, n.status))
		for _, depID := range sortedKeys(n.deps) {
			fmt.Fprintf(&b, "  %q -> %q;\n", id, depID)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNodeIDs(nodes map[string]*node) []string {
	out := make([]string, 0, len(nodes))
	for id := range nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
