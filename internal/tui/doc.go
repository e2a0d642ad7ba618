// Package tui provides the terminal monitor for a running coordination
// engine.
//
// The monitor is read-only. It renders three tabs: a main view with the
// task list and agent cards, a lock table showing holders and wait
// queues, and a full-screen activity log. Agent cards surface each
// agent's circuit breaker state, running count, queue depth, and
// utilization.
//
// State flows in through two message kinds. Periodic SnapshotMsg
// messages carry the authoritative engine state and refresh every
// panel; EventMsg messages feed the activity log as they happen.
//
// Usage:
//
//	program, _ := tui.NewProgram()
//	go program.Run()
//
//	// Stream events into the activity log
//	program.Send(tui.EventMsg{Event: ev})
//
//	// Refresh panels from an engine snapshot
//	program.Send(tui.SnapshotMsg{Snapshot: engine.Snapshot()})
//
//	// Signal completion
//	program.Send(tui.RunDoneMsg{Err: nil})
//
// Users can only quit with 'q' or Ctrl+C.
package tui
