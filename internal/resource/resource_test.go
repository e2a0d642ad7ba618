package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// waitForQueueDepth polls until resourceID has the given number of
// queued waiters.
func waitForQueueDepth(t *testing.T, m *Manager, resourceID string, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.WaitingRequests()[resourceID]) == depth {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue on %s never reached depth %d", resourceID, depth)
}

func TestAcquireFreeResource(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)

	if err := m.Acquire(context.Background(), "db", "agent-1", models.PriorityMedium); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	allocs := m.Allocations()
	r, ok := allocs["db"]
	if !ok {
		t.Fatal("expected db in allocations")
	}
	if !r.Locked || r.HolderID != "agent-1" {
		t.Errorf("expected db locked by agent-1, got locked=%v holder=%s", r.Locked, r.HolderID)
	}
	if r.LockedAt.IsZero() {
		t.Error("expected lock timestamp to be set")
	}
}

func TestAcquireIdempotentForHolder(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)
	if err := m.Acquire(ctx, "db", "agent-1", models.PriorityMedium); err != nil {
		t.Fatalf("expected re-acquire by holder to succeed, got %v", err)
	}
	if got := m.Allocations()["db"].HolderID; got != "agent-1" {
		t.Errorf("expected holder agent-1, got %s", got)
	}
}

func TestAcquireContendedWaitsForRelease(t *testing.T) {
	emitter := events.NewEmitter(16, 0, nil)
	defer emitter.Close()
	m := NewManager(5*time.Second, nil, emitter)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)

	got := make(chan error, 1)
	go func() {
		got <- m.Acquire(ctx, "db", "agent-2", models.PriorityMedium)
	}()
	waitForQueueDepth(t, m, "db", 1)

	m.Release("db", "agent-1")

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("expected waiter to be granted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted")
	}

	if got := m.Allocations()["db"].HolderID; got != "agent-2" {
		t.Errorf("expected holder agent-2, got %s", got)
	}

	wantTypes := []events.Type{events.ResourceAcquired, events.ResourceReleased, events.ResourceAcquired}
	wantAgents := []string{"agent-1", "agent-1", "agent-2"}
	for i, wt := range wantTypes {
		select {
		case ev := <-emitter.Events():
			if ev.Type != wt || ev.AgentID != wantAgents[i] {
				t.Errorf("event %d: expected %s/%s, got %s/%s", i, wt, wantAgents[i], ev.Type, ev.AgentID)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := NewManager(50*time.Millisecond, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)

	err := m.Acquire(ctx, "db", "agent-2", models.PriorityMedium)
	var lockErr *models.ResourceLockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected ResourceLockError, got %v", err)
	}
	if lockErr.ResourceID != "db" || lockErr.AgentID != "agent-2" {
		t.Errorf("expected db/agent-2 in error, got %s/%s", lockErr.ResourceID, lockErr.AgentID)
	}

	if depth := len(m.WaitingRequests()["db"]); depth != 0 {
		t.Errorf("expected timed-out waiter to be dequeued, found %d waiters", depth)
	}
	if got := m.Allocations()["db"].HolderID; got != "agent-1" {
		t.Errorf("expected holder unchanged, got %s", got)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)

	m.Acquire(context.Background(), "db", "agent-1", models.PriorityMedium)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		got <- m.Acquire(ctx, "db", "agent-2", models.PriorityMedium)
	}()
	waitForQueueDepth(t, m, "db", 1)

	cancel()

	select {
	case err := <-got:
		var lockErr *models.ResourceLockError
		if !errors.As(err, &lockErr) {
			t.Fatalf("expected ResourceLockError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	if depth := len(m.WaitingRequests()["db"]); depth != 0 {
		t.Errorf("expected cancelled waiter to be dequeued, found %d waiters", depth)
	}
}

func TestPriorityOrderGrants(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "holder", models.PriorityMedium)

	type result struct {
		agentID string
		err     error
	}
	results := make(chan result, 2)

	go func() {
		err := m.Acquire(ctx, "db", "agent-low", models.PriorityLow)
		results <- result{"agent-low", err}
	}()
	waitForQueueDepth(t, m, "db", 1)

	go func() {
		err := m.Acquire(ctx, "db", "agent-critical", models.PriorityCritical)
		results <- result{"agent-critical", err}
	}()
	waitForQueueDepth(t, m, "db", 2)

	m.Release("db", "holder")
	first := <-results
	if first.err != nil {
		t.Fatalf("first grant failed: %v", first.err)
	}
	if first.agentID != "agent-critical" {
		t.Errorf("expected agent-critical granted first, got %s", first.agentID)
	}

	m.Release("db", first.agentID)
	second := <-results
	if second.err != nil {
		t.Fatalf("second grant failed: %v", second.err)
	}
	if second.agentID != "agent-low" {
		t.Errorf("expected agent-low granted second, got %s", second.agentID)
	}
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)
	m.Release("db", "agent-2")
	m.Release("missing", "agent-2")

	if got := m.Allocations()["db"].HolderID; got != "agent-1" {
		t.Errorf("expected holder unchanged after non-holder release, got %s", got)
	}
}

func TestReleaseAllForAgent(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)
	m.Acquire(ctx, "cache", "agent-1", models.PriorityMedium)

	got := make(chan error, 1)
	go func() {
		got <- m.Acquire(ctx, "db", "agent-2", models.PriorityMedium)
	}()
	waitForQueueDepth(t, m, "db", 1)

	released := m.ReleaseAllForAgent("agent-1")
	if len(released) != 2 {
		t.Errorf("expected 2 released resources, got %v", released)
	}

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("expected waiter promoted after release-all, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never promoted")
	}

	allocs := m.Allocations()
	if got := allocs["db"].HolderID; got != "agent-2" {
		t.Errorf("expected db held by agent-2, got %s", got)
	}
	if allocs["cache"].Locked {
		t.Error("expected cache to be free")
	}
}

func TestReleaseAllDropsAgentWaits(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)

	got := make(chan error, 1)
	go func() {
		got <- m.Acquire(ctx, "db", "agent-2", models.PriorityMedium)
	}()
	waitForQueueDepth(t, m, "db", 1)

	m.ReleaseAllForAgent("agent-2")

	select {
	case err := <-got:
		var lockErr *models.ResourceLockError
		if !errors.As(err, &lockErr) {
			t.Fatalf("expected ResourceLockError for dropped wait, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dropped waiter never returned")
	}

	if got := m.Allocations()["db"].HolderID; got != "agent-1" {
		t.Errorf("expected db still held by agent-1, got %s", got)
	}
}

func TestMaintenanceExpiresWaits(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)

	got := make(chan error, 1)
	go func() {
		got <- m.Acquire(ctx, "db", "agent-2", models.PriorityMedium)
	}()
	waitForQueueDepth(t, m, "db", 1)

	expired, reclaimed := m.Maintenance(time.Now().Add(time.Minute + time.Second))
	if expired != 1 {
		t.Errorf("expected 1 expired wait, got %d", expired)
	}
	if reclaimed != 0 {
		t.Errorf("expected 0 reclaimed locks, got %d", reclaimed)
	}

	select {
	case err := <-got:
		var lockErr *models.ResourceLockError
		if !errors.As(err, &lockErr) {
			t.Fatalf("expected ResourceLockError for expired wait, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expired waiter never returned")
	}
}

func TestMaintenanceReclaimsStaleLocks(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)
	t0 := time.Unix(1000, 0)
	m.now = func() time.Time { return t0 }

	m.Acquire(context.Background(), "db", "agent-1", models.PriorityMedium)

	// Held for exactly 2x the timeout is not yet stale.
	expired, reclaimed := m.Maintenance(t0.Add(2 * time.Minute))
	if expired != 0 || reclaimed != 0 {
		t.Fatalf("expected nothing to change at the boundary, got %d/%d", expired, reclaimed)
	}

	expired, reclaimed = m.Maintenance(t0.Add(2*time.Minute + time.Second))
	if reclaimed != 1 {
		t.Errorf("expected 1 reclaimed lock, got %d", reclaimed)
	}
	if m.Allocations()["db"].Locked {
		t.Error("expected stale lock to be released")
	}
}

func TestWaitingRequestsSnapshot(t *testing.T) {
	m := NewManager(5*time.Second, nil, nil)
	ctx := context.Background()

	m.Acquire(ctx, "db", "agent-1", models.PriorityMedium)
	go m.Acquire(ctx, "db", "agent-2", models.PriorityHigh)
	waitForQueueDepth(t, m, "db", 1)

	reqs := m.WaitingRequests()["db"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 wait request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.ID == "" {
		t.Error("expected wait request id to be set")
	}
	if req.ResourceID != "db" || req.AgentID != "agent-2" || req.Priority != models.PriorityHigh {
		t.Errorf("unexpected wait request: %+v", req)
	}
	if req.EnqueuedAt.IsZero() {
		t.Error("expected enqueue timestamp to be set")
	}

	m.Release("db", "agent-1")
}

func TestConcurrentAcquireExclusive(t *testing.T) {
	m := NewManager(10*time.Second, nil, nil)
	ctx := context.Background()

	const agents = 20
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", n)
			if err := m.Acquire(ctx, "db", agentID, models.PriorityMedium); err != nil {
				t.Errorf("acquire failed for %s: %v", agentID, err)
				return
			}
			v := counter
			counter = v + 1
			m.Release("db", agentID)
		}(i)
	}
	wg.Wait()

	if counter != agents {
		t.Errorf("expected counter %d under exclusive locking, got %d", agents, counter)
	}
}
