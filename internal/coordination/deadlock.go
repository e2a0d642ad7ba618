package coordination

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// detectDeadlock runs one wait-for-graph analysis pass. At most one
// cycle is broken per pass; any remainder is caught on the next pass,
// after the preemption has settled. Returns the cycle found, or nil.
func (m *Manager) detectDeadlock() []string {
	waiting := m.resources.WaitingRequests()
	if len(waiting) == 0 {
		return nil
	}
	allocations := m.resources.Allocations()

	// Edge agent -> holder for every resource the agent waits on. Every
	// cycle member is therefore itself a waiter, so the earliest wait
	// start is known for each.
	waitsFor := make(map[string]map[string]bool)
	earliestWait := make(map[string]time.Time)
	for resourceID, requests := range waiting {
		r, ok := allocations[resourceID]
		if !ok || !r.Locked || r.HolderID == "" {
			continue
		}
		for _, req := range requests {
			if req.AgentID == r.HolderID {
				continue
			}
			edges, ok := waitsFor[req.AgentID]
			if !ok {
				edges = make(map[string]bool)
				waitsFor[req.AgentID] = edges
			}
			edges[r.HolderID] = true
			if t, seen := earliestWait[req.AgentID]; !seen || req.EnqueuedAt.Before(t) {
				earliestWait[req.AgentID] = req.EnqueuedAt
			}
		}
	}

	cycle := findCycle(waitsFor)
	if len(cycle) == 0 {
		return nil
	}
	m.breakDeadlock(cycle, pickVictim(cycle, earliestWait))
	return cycle
}

// Deadlocks returns how many wait-for cycles the engine has broken.
func (m *Manager) Deadlocks() uint64 {
	return m.deadlocks.Load()
}

// findCycle looks for a cycle in the wait-for graph with a depth-first
// search over a recursion stack. Agents and their edges are visited in
// ID order, so detection is deterministic for a given graph.
func findCycle(waitsFor map[string]map[string]bool) []string {
	agents := make([]string, 0, len(waitsFor))
	for id := range waitsFor {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		defer func() {
			onStack[id] = false
			path = path[:len(path)-1]
		}()

		next := make([]string, 0, len(waitsFor[id]))
		for holder := range waitsFor[id] {
			next = append(next, holder)
		}
		sort.Strings(next)

		for _, holder := range next {
			if onStack[holder] {
				for i := range path {
					if path[i] == holder {
						cycle := make([]string, len(path)-i)
						copy(cycle, path[i:])
						return cycle
					}
				}
			}
			if !visited[holder] {
				if cycle := dfs(holder); cycle != nil {
					return cycle
				}
			}
		}
		return nil
	}

	for _, id := range agents {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// pickVictim chooses which cycle member to preempt: the agent that
// started waiting most recently loses, so longer-waiting agents keep
// their progress. Ties fall to the lexicographically last ID.
func pickVictim(cycle []string, earliestWait map[string]time.Time) string {
	victim := cycle[0]
	for _, id := range cycle[1:] {
		vw, iw := earliestWait[victim], earliestWait[id]
		if iw.After(vw) || (iw.Equal(vw) && id > victim) {
			victim = id
		}
	}
	return victim
}

// breakDeadlock preempts the victim: its running attempts are
// cancelled, its resource locks released, and its tasks requeued for
// other agents. The cancelled attempts' own deferred releases land
// afterwards as harmless non-holder no-ops.
func (m *Manager) breakDeadlock(cycle []string, victim string) {
	preempted := m.preemptAgentAttempts(victim)
	released := m.resources.ReleaseAllForAgent(victim)
	rescheduled := m.sched.RescheduleAgentTasks(victim)

	m.deadlocks.Add(1)
	m.collector.DeadlockDetected()

	event := events.Event{
		Type:      events.DeadlockDetected,
		Timestamp: m.now(),
		AgentID:   victim,
		Agents:    cycle,
		Message: fmt.Sprintf("preempted %s: released %d locks, rescheduled %d tasks",
			victim, len(released), len(rescheduled)),
	}
	if preempted == 0 && len(released) == 0 && len(rescheduled) == 0 {
		// The victim had nothing left to take away, so the cycle was
		// not actually broken. Report that rather than pretend.
		event.Error = &models.DeadlockError{Agents: cycle}
	}
	m.emitter.Emit(event)

	m.logger.Warn("deadlock broken",
		zap.Strings("cycle", cycle),
		zap.String("victim", victim),
		zap.Int("attempts_preempted", preempted),
		zap.Strings("locks_released", released),
		zap.Strings("tasks_rescheduled", rescheduled))
	m.syncTasks(rescheduled)
	m.sched.Notify()
}
