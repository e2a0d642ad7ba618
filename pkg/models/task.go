package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been declared but not yet queued.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusQueued indicates the task is ready and waiting for an agent.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusAssigned indicates the task has been handed to an agent.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates the task is executing.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed after exhausting retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusAssigned,
		TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state that a task
// never leaves (completed, failed, or cancelled).
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority represents the urgency of a task or wait request.
type Priority string

const (
	// PriorityLow is background work that yields to everything else.
	PriorityLow Priority = "low"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityHigh is work that should preempt medium and low tasks.
	PriorityHigh Priority = "high"
	// PriorityCritical is work that must run before all other priorities.
	PriorityCritical Priority = "critical"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Rank returns the numeric ordering of the priority, where higher
// values are more urgent. Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Task represents a unit of work flowing through the coordination engine.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type classifies the task for capability matching and statistics.
	Type string `json:"type"`
	// Description is a human-readable summary of the work.
	Description string `json:"description,omitempty"`
	// Priority is the urgency of this task.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Resources lists resource IDs the task needs exclusive access to.
	Resources []string `json:"resources,omitempty"`
	// Status is the current lifecycle state of the task.
	Status TaskStatus `json:"status"`
	// AssignedTo is the ID of the agent the task is assigned to.
	AssignedTo string `json:"assigned_to,omitempty"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// Payload carries opaque task input handed to the executor.
	Payload map[string]any `json:"payload,omitempty"`
	// Result holds the executor output after successful completion.
	Result string `json:"result,omitempty"`
	// Error contains the final error message if the task failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task first transitioned to running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RequiredCapabilities derives the capabilities an agent needs to run
// this task: the task type itself plus any strings listed under the
// payload key "required_capabilities".
func (t *Task) RequiredCapabilities() []string {
	var req []string
	if t.Type != "" {
		req = append(req, t.Type)
	}
	switch v := t.Payload["required_capabilities"].(type) {
	case []string:
		req = append(req, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				req = append(req, s)
			}
		}
	}
	return req
}

// Clone returns a deep copy of the task. Slices and the payload map are
// copied so the caller can mutate the clone freely.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Resources != nil {
		c.Resources = append([]string(nil), t.Resources...)
	}
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
