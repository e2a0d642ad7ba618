package models

import "time"

// Capabilities describes what kinds of work an agent can perform.
// Capability matching compares a task's requirements against these sets.
type Capabilities struct {
	// Domains lists problem domains the agent handles (e.g. "backend").
	Domains []string `json:"domains,omitempty"`
	// Tools lists external tools the agent can drive.
	Tools []string `json:"tools,omitempty"`
	// Languages lists programming languages the agent works in.
	Languages []string `json:"languages,omitempty"`
	// Frameworks lists frameworks the agent is familiar with.
	Frameworks []string `json:"frameworks,omitempty"`
}

// All returns every capability across the four sets as a single slice.
func (c Capabilities) All() []string {
	out := make([]string, 0, len(c.Domains)+len(c.Tools)+len(c.Languages)+len(c.Frameworks))
	out = append(out, c.Domains...)
	out = append(out, c.Tools...)
	out = append(out, c.Languages...)
	out = append(out, c.Frameworks...)
	return out
}

// Has returns true if the capability appears in any of the four sets.
func (c Capabilities) Has(capability string) bool {
	for _, v := range c.All() {
		if v == capability {
			return true
		}
	}
	return false
}

// Agent describes a worker registered with the coordination engine.
// The descriptor is owned by the registering caller; the engine only
// updates load and workload tracking kept alongside it.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Type classifies the agent (e.g. "coder", "researcher").
	Type string `json:"type"`
	// Capabilities describes what work the agent can take on.
	Capabilities Capabilities `json:"capabilities"`
	// Priority is the agent's weight in conflict arbitration.
	Priority int `json:"priority"`
	// MaxConcurrent is the number of tasks the agent can run at once.
	MaxConcurrent int `json:"max_concurrent"`
	// RegisteredAt is when the agent joined the pool.
	RegisteredAt time.Time `json:"registered_at"`
}

// Workload tracks the observed load of a single agent. It is updated by
// the load balancer and the work-stealing coordinator.
type Workload struct {
	// AgentID is the agent this workload belongs to.
	AgentID string `json:"agent_id"`
	// TaskCount is the number of tasks currently assigned or running.
	TaskCount int `json:"task_count"`
	// QueueDepth is the number of tasks queued behind the running ones.
	QueueDepth int `json:"queue_depth"`
	// AvgTaskDuration is the rolling average time to finish a task.
	AvgTaskDuration time.Duration `json:"avg_task_duration"`
	// CPUUsage is the agent's reported CPU utilization (0..1).
	CPUUsage float64 `json:"cpu_usage"`
	// MemoryUsage is the agent's reported memory utilization (0..1).
	MemoryUsage float64 `json:"memory_usage"`
	// Utilization is the combined load figure used for rebalancing (0..1).
	Utilization float64 `json:"utilization"`
	// Affinity maps task types to this agent's affinity score (0..1).
	Affinity map[string]float64 `json:"affinity,omitempty"`
	// SuccessRate is the fraction of attempts that completed (0..1).
	SuccessRate float64 `json:"success_rate"`
	// UpdatedAt is when any field was last refreshed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the workload with its affinity map duplicated.
func (w *Workload) Clone() *Workload {
	c := *w
	if w.Affinity != nil {
		c.Affinity = make(map[string]float64, len(w.Affinity))
		for k, v := range w.Affinity {
			c.Affinity[k] = v
		}
	}
	return &c
}
