package tui

import (
	"github.com/dirigent-dev/dirigent/internal/coordination"
	"github.com/dirigent-dev/dirigent/internal/events"
)

// EventMsg delivers one engine event to the activity log.
type EventMsg struct {
	Event events.Event
}

// SnapshotMsg delivers a full engine state snapshot. Snapshots are the
// authoritative source for panel state; events only feed the log.
type SnapshotMsg struct {
	Snapshot coordination.Snapshot
}

// RunDoneMsg signals that the engine run has finished.
type RunDoneMsg struct {
	Err error
}
