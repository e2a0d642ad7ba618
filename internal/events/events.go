// Package events defines the coordination engine's event vocabulary and
// the buffered emitter that delivers events without blocking producers.
package events

import (
	"time"
)

// Type identifies the kind of engine event.
type Type string

const (
	// TaskStarted indicates a task began executing on an agent.
	TaskStarted Type = "task:started"
	// TaskCompleted indicates a task finished successfully.
	TaskCompleted Type = "task:completed"
	// TaskFailed indicates a task failed terminally.
	TaskFailed Type = "task:failed"
	// TaskCancelled indicates a task was cancelled.
	TaskCancelled Type = "task:cancelled"
	// ResourceAcquired indicates an agent obtained a resource lock.
	ResourceAcquired Type = "resource:acquired"
	// ResourceReleased indicates an agent gave up a resource lock.
	ResourceReleased Type = "resource:released"
	// BreakerStateChange indicates a circuit breaker transitioned state.
	BreakerStateChange Type = "circuitbreaker:state-change"
	// WorkStealingRequest indicates tasks moved between agent queues.
	WorkStealingRequest Type = "workstealing:request"
	// ConflictReported indicates contention between agents was recorded.
	ConflictReported Type = "conflict:resource"
	// ConflictResolved indicates a conflict was arbitrated.
	ConflictResolved Type = "conflict:resolved"
	// DeadlockDetected indicates a wait-for cycle was found and broken.
	DeadlockDetected Type = "deadlock:detected"
	// AgentTerminated is consumed, not emitted: external notice that an
	// agent left the pool.
	AgentTerminated Type = "agent:terminated"
)

// Event is a single engine notification. Fields beyond Type and
// Timestamp are populated per event kind.
type Event struct {
	// Type is the kind of event.
	Type Type
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// TaskID is the related task, if applicable.
	TaskID string
	// AgentID is the related agent, if applicable.
	AgentID string
	// ResourceID is the related resource, if applicable.
	ResourceID string
	// ConflictID is the related conflict, if applicable.
	ConflictID string
	// BreakerName is the related circuit breaker, if applicable.
	BreakerName string
	// FromState and ToState describe a breaker transition.
	FromState string
	ToState   string
	// SourceAgent and TargetAgent describe a work-stealing transfer.
	SourceAgent string
	TargetAgent string
	// TaskIDs lists the tasks moved by a work-stealing transfer.
	TaskIDs []string
	// Agents lists the participants of a deadlock cycle or conflict.
	Agents []string
	// Message provides additional human-readable context.
	Message string
	// Error carries failure details for failure events.
	Error error
}
