package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dirigent-dev/dirigent/internal/events"
)

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestManagerGetCachesPerName(t *testing.T) {
	m := NewManager(Config{}, nil, nil)

	a := m.Get("agent-1")
	b := m.Get("agent-2")
	if a == b {
		t.Error("expected distinct breakers per name")
	}
	if m.Get("agent-1") != a {
		t.Error("expected Get to return the cached breaker")
	}
	if a.Name() != "agent-1" {
		t.Errorf("expected name agent-1, got %s", a.Name())
	}
}

func TestManagerExecute(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Minute}, nil, nil)
	ctx := context.Background()

	if err := m.Execute(ctx, "agent-1", failCall); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if err := m.Execute(ctx, "agent-1", okCall); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen after threshold, got %v", err)
	}
	if err := m.Execute(ctx, "agent-2", okCall); err != nil {
		t.Errorf("expected other agent's breaker to be independent, got %v", err)
	}
}

func TestManagerEmitsStateChanges(t *testing.T) {
	emitter := events.NewEmitter(8, 0, nil)
	defer emitter.Close()

	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Minute}, nil, emitter)
	m.Execute(context.Background(), "agent-1", failCall)

	ev := nextEvent(t, emitter.Events())
	if ev.Type != events.BreakerStateChange {
		t.Errorf("expected %s, got %s", events.BreakerStateChange, ev.Type)
	}
	if ev.BreakerName != "agent-1" {
		t.Errorf("expected breaker agent-1, got %s", ev.BreakerName)
	}
	if ev.FromState != string(StateClosed) || ev.ToState != string(StateOpen) {
		t.Errorf("expected closed->open, got %s->%s", ev.FromState, ev.ToState)
	}
}

func TestManagerStatesAndMetrics(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Minute}, nil, nil)
	ctx := context.Background()

	m.Execute(ctx, "agent-1", failCall)
	m.Execute(ctx, "agent-2", okCall)

	states := m.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(states))
	}
	if states["agent-1"] != StateOpen {
		t.Errorf("expected agent-1 open, got %s", states["agent-1"])
	}
	if states["agent-2"] != StateClosed {
		t.Errorf("expected agent-2 closed, got %s", states["agent-2"])
	}

	metrics := m.Metrics()
	if metrics["agent-1"].TotalFailures != 1 {
		t.Errorf("expected 1 failure for agent-1, got %d", metrics["agent-1"].TotalFailures)
	}
}

func TestManagerAggregate(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Minute}, nil, nil)
	ctx := context.Background()

	m.Execute(ctx, "agent-1", failCall)
	m.Execute(ctx, "agent-1", okCall) // rejected
	m.Execute(ctx, "agent-2", okCall)
	m.Execute(ctx, "agent-3", okCall)

	agg := m.Aggregate()
	if agg.Breakers != 3 {
		t.Errorf("expected 3 breakers, got %d", agg.Breakers)
	}
	if agg.Open != 1 || agg.Closed != 2 || agg.HalfOpen != 0 {
		t.Errorf("expected 1 open / 2 closed / 0 half-open, got %d/%d/%d",
			agg.Open, agg.Closed, agg.HalfOpen)
	}
	if agg.TotalCalls != 3 {
		t.Errorf("expected 3 admitted calls, got %d", agg.TotalCalls)
	}
	if agg.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", agg.TotalFailures)
	}
	if agg.TotalRejections != 1 {
		t.Errorf("expected 1 rejection, got %d", agg.TotalRejections)
	}
	if agg.TimesOpened != 1 {
		t.Errorf("expected 1 open transition, got %d", agg.TimesOpened)
	}
}

func TestManagerForceStateAndReset(t *testing.T) {
	m := NewManager(Config{}, nil, nil)

	if err := m.ForceState("agent-1", StateOpen); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Get("agent-1").State(); got != StateOpen {
		t.Errorf("expected open, got %s", got)
	}

	m.Reset("agent-1")
	if got := m.Get("agent-1").State(); got != StateClosed {
		t.Errorf("expected closed after reset, got %s", got)
	}

	// Unknown names are a no-op.
	m.Reset("nobody")

	m.ForceState("agent-1", StateOpen)
	m.ForceState("agent-2", StateOpen)
	m.ResetAll()
	for name, state := range m.States() {
		if state != StateClosed {
			t.Errorf("expected %s closed after ResetAll, got %s", name, state)
		}
	}
}
