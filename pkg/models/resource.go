package models

import "time"

// Resource is a named entity that at most one agent may hold at a time.
// Resources are created lazily on first acquisition.
type Resource struct {
	// ID is the unique identifier for this resource.
	ID string `json:"id"`
	// Locked reports whether the resource is currently held.
	Locked bool `json:"locked"`
	// HolderID is the agent holding the lock, empty when unlocked.
	HolderID string `json:"holder_id,omitempty"`
	// LockedAt is when the current holder acquired the lock.
	LockedAt time.Time `json:"locked_at,omitempty"`
}

// WaitRequest is a pending acquisition parked in a resource's wait queue.
// Queues order by priority first, then by earliest enqueue time.
type WaitRequest struct {
	// ID is the unique identifier for this wait entry.
	ID string `json:"id"`
	// ResourceID is the resource being waited on.
	ResourceID string `json:"resource_id"`
	// AgentID is the agent waiting for the lock.
	AgentID string `json:"agent_id"`
	// Priority orders this request against other waiters.
	Priority Priority `json:"priority"`
	// EnqueuedAt is when the request joined the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}
