package models

import "time"

// ConflictKind classifies what two or more agents are contending over.
type ConflictKind string

const (
	// ConflictResource is contention over exclusive access to a resource.
	ConflictResource ConflictKind = "resource"
	// ConflictAssignment is contention over ownership of a task.
	ConflictAssignment ConflictKind = "assignment"
)

// Valid returns true if the kind is a known value.
func (k ConflictKind) Valid() bool {
	switch k {
	case ConflictResource, ConflictAssignment:
		return true
	default:
		return false
	}
}

// Conflict records contention between agents over a resource or task.
// The record is immutable except for the single transition to resolved.
type Conflict struct {
	// ID is the unique identifier for this conflict.
	ID string `json:"id"`
	// Kind is what the agents are contending over.
	Kind ConflictKind `json:"kind"`
	// Subject is the contested resource or task ID.
	Subject string `json:"subject"`
	// Agents lists the IDs of all contending agents.
	Agents []string `json:"agents"`
	// ReportedAt is when the conflict was reported.
	ReportedAt time.Time `json:"reported_at"`
	// Resolved reports whether arbitration has happened.
	Resolved bool `json:"resolved"`
	// Resolution holds the arbitration outcome once resolved.
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution is the terminal outcome of conflict arbitration.
type Resolution struct {
	// WinnerID is the agent granted the contested subject.
	WinnerID string `json:"winner_id"`
	// Losers lists the agents that were denied.
	Losers []string `json:"losers,omitempty"`
	// Strategy names the arbitration strategy that decided the outcome.
	Strategy string `json:"strategy"`
	// Reason is a human-readable explanation of the decision.
	Reason string `json:"reason,omitempty"`
	// ResolvedAt is when the decision was made.
	ResolvedAt time.Time `json:"resolved_at"`
}
