package models

import (
	"fmt"
	"strings"
	"time"
)

// DependencyError reports an unmet or unknown task dependency.
// It is returned synchronously from task submission and assignment.
type DependencyError struct {
	// TaskID is the task whose dependencies were not satisfied.
	TaskID string
	// Missing lists the dependency IDs that are unknown or incomplete.
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s has unsatisfied dependencies: %s", e.TaskID, strings.Join(e.Missing, ", "))
}

// ResourceLockError reports a failed resource acquisition, either from
// timeout or from cancellation while waiting in the queue.
type ResourceLockError struct {
	// ResourceID is the resource that could not be acquired.
	ResourceID string
	// AgentID is the agent that requested the lock.
	AgentID string
	// Reason describes why the acquisition failed.
	Reason string
}

func (e *ResourceLockError) Error() string {
	return fmt.Sprintf("agent %s failed to acquire resource %s: %s", e.AgentID, e.ResourceID, e.Reason)
}

// TaskTimeoutError reports a task whose execution exceeded its allotted time.
type TaskTimeoutError struct {
	// TaskID is the task that timed out.
	TaskID string
	// Limit is the time budget that was exceeded.
	Limit time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded its time limit of %s", e.TaskID, e.Limit)
}

// TaskError reports a generic task state or lookup failure, such as
// completing a task the scheduler does not know about.
type TaskError struct {
	// TaskID is the task the operation targeted.
	TaskID string
	// Op is the operation that failed (e.g. "complete", "cancel").
	Op string
	// Reason describes the failure.
	Reason string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %s: %s", e.Op, e.TaskID, e.Reason)
}

// DeadlockError reports a wait-for cycle among agents that could not be
// resolved by preemption.
type DeadlockError struct {
	// Agents lists the agent IDs participating in the cycle.
	Agents []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock among agents: %s", strings.Join(e.Agents, " -> "))
}

// CoordinationError reports an operation attempted against a manager that
// is not in a state to serve it, such as submitting work after shutdown.
type CoordinationError struct {
	// Op is the operation that was rejected.
	Op string
	// Reason describes why the manager rejected it.
	Reason string
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination %s: %s", e.Op, e.Reason)
}
