package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/coordination"
	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/internal/store"
	"github.com/dirigent-dev/dirigent/internal/tui"
)

// runWithTUI drives the engine under the live monitor. The monitor owns
// the terminal until the user quits or the run finishes.
func runWithTUI(ctx context.Context, m *coordination.Manager, st *store.Store, cfg *config.Config) (retErr error) {
	// Anything that writes through the stdlib logger would corrupt the
	// monitor's output.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in monitor: %v", r)
		}
	}()

	program, _ := tui.NewProgram()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		forwardEvents(program, m.Events(), st, m.RunID())
	}()
	go forwardSnapshots(ctx, program, m, cfg.TUI.RefreshRate)

	engineDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				engineDone <- fmt.Errorf("panic in engine: %v", r)
			}
		}()
		engineDone <- m.Run(ctx)
	}()

	if !cfg.Plans.Watch {
		go func() {
			if err := m.AwaitIdle(ctx); err == nil {
				m.Stop()
			}
		}()
	}

	tuiDone := make(chan error, 1)
	go func() {
		_, err := program.Run()
		tuiDone <- err
	}()

	select {
	case err := <-engineDone:
		// Tell the monitor the run is over, then wait for the user to
		// quit so final state stays visible.
		program.Send(tui.RunDoneMsg{Err: err})
		<-tuiDone
		m.Stop()
		<-forwardDone
		return err
	case err := <-tuiDone:
		// User quit early. Stop the engine and let it settle.
		m.Stop()
		engineErr := <-engineDone
		<-forwardDone
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		return engineErr
	}
}

// forwardEvents feeds engine events to the monitor and the audit store.
func forwardEvents(program *tea.Program, evs <-chan events.Event, st *store.Store, runID string) {
	for ev := range evs {
		if st != nil {
			_ = st.AppendEvent(runID, ev)
		}
		program.Send(tui.EventMsg{Event: ev})
	}
}

// forwardSnapshots pushes engine state to the monitor at the configured
// refresh rate.
func forwardSnapshots(ctx context.Context, program *tea.Program, m *coordination.Manager, every time.Duration) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	program.Send(tui.SnapshotMsg{Snapshot: *m.Snapshot()})

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			program.Send(tui.SnapshotMsg{Snapshot: *m.Snapshot()})
		}
	}
}
