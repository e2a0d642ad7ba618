package coordination

import (
	"sort"
	"time"

	"github.com/dirigent-dev/dirigent/internal/breaker"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// Snapshot is a point-in-time view of the whole engine, assembled for
// monitors and status queries.
type Snapshot struct {
	// RunID identifies the engine instance.
	RunID string `json:"run_id"`
	// StartedAt is when Run began; zero if the engine never ran.
	StartedAt time.Time `json:"started_at"`
	// Agents is the registry sorted by ID.
	Agents []models.Agent `json:"agents"`
	// Workloads holds the balancer's last observation per agent.
	Workloads map[string]*models.Workload `json:"workloads"`
	// TaskCounts tallies tasks by status.
	TaskCounts map[models.TaskStatus]int `json:"task_counts"`
	// Tasks lists every known task, oldest first.
	Tasks []*models.Task `json:"tasks"`
	// InFlight is the number of attempts currently executing.
	InFlight int `json:"in_flight"`
	// BreakerStates maps breaker name (agent ID) to circuit state.
	BreakerStates map[string]breaker.State `json:"breaker_states"`
	// Allocations maps resource ID to its current lock state.
	Allocations map[string]models.Resource `json:"allocations"`
	// Waiting maps resource ID to its queued lock requests.
	Waiting map[string][]models.WaitRequest `json:"waiting"`
	// Unresolved lists conflicts still awaiting arbitration.
	Unresolved []*models.Conflict `json:"unresolved"`
	// DroppedEvents counts events lost to a slow consumer.
	DroppedEvents uint64 `json:"dropped_events"`
}

// Snapshot assembles a display-grade view of the engine. Each component
// is read under its own lock; the engine keeps moving while the pieces
// are gathered, so the parts may be milliseconds apart.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	agents := m.agentsLocked()
	inflight := len(m.inflight)
	startedAt := m.startedAt
	m.mu.Unlock()

	tasks := m.sched.Tasks()
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	return &Snapshot{
		RunID:         m.runID,
		StartedAt:     startedAt,
		Agents:        agents,
		Workloads:     m.lb.Workloads(),
		TaskCounts:    m.sched.Counts(),
		Tasks:         tasks,
		InFlight:      inflight,
		BreakerStates: m.breakers.States(),
		Allocations:   m.resources.Allocations(),
		Waiting:       m.resources.WaitingRequests(),
		Unresolved:    m.resolver.Unresolved(),
		DroppedEvents: m.emitter.DroppedCount(),
	}
}

// EngineMetrics summarizes the engine's lifetime counters.
type EngineMetrics struct {
	// TasksCompleted, TasksFailed, and TasksCancelled count terminal
	// task outcomes; Retries counts requeued attempts.
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksFailed    uint64 `json:"tasks_failed"`
	TasksCancelled uint64 `json:"tasks_cancelled"`
	Retries        uint64 `json:"retries"`
	// TasksStolen counts tasks moved between agent queues.
	TasksStolen uint64 `json:"tasks_stolen"`
	// Deadlocks counts wait-for cycles broken.
	Deadlocks uint64 `json:"deadlocks"`
	// ConflictsResolved counts arbitrated conflicts.
	ConflictsResolved uint64 `json:"conflicts_resolved"`
	// EventsDropped counts events lost to a slow consumer.
	EventsDropped uint64 `json:"events_dropped"`
	// Breakers aggregates circuit breaker activity.
	Breakers breaker.AggregateMetrics `json:"breakers"`
}

// Metrics returns the engine's lifetime counters.
func (m *Manager) Metrics() EngineMetrics {
	completed, failed, cancelled, retries := m.sched.Totals()
	return EngineMetrics{
		TasksCompleted:    completed,
		TasksFailed:       failed,
		TasksCancelled:    cancelled,
		Retries:           retries,
		TasksStolen:       m.stealer.TotalStolen(),
		Deadlocks:         m.deadlocks.Load(),
		ConflictsResolved: m.resolver.ResolvedCount(),
		EventsDropped:     m.emitter.DroppedCount(),
		Breakers:          m.breakers.Aggregate(),
	}
}

func sortAgents(agents []models.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}
